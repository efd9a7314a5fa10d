package server

const (
	// telnetIAC is Interpret As Command
	telnetIAC = 0xFF
	// telnetSB starts a subnegotiation, ended by IAC SE
	telnetSB = 0xFA
	// telnetSE ends a subnegotiation
	telnetSE = 0xF0
	// telnetWILL negotiation command
	telnetWILL = 0xFB
	// telnetWONT negotiation command
	telnetWONT = 0xFC
	// telnetDO negotiation command
	telnetDO = 0xFD
	// telnetDONT negotiation command
	telnetDONT = 0xFE
)

// stripTelnet removes Telnet command sequences from a control line in place
// and returns the shortened slice. IAC IAC yields a literal 0xFF. Some
// clients send IAC IP / IAC DM (interrupt, data mark) before ABOR; those
// disappear here so the verb parses normally.
func stripTelnet(line []byte) []byte {
	out := line[:0]
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b != telnetIAC {
			out = append(out, b)
			continue
		}
		if i+1 >= len(line) {
			break
		}
		i++
		switch line[i] {
		case telnetIAC:
			out = append(out, telnetIAC)
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			// IAC CMD OPT
			i++
		case telnetSB:
			// Skip to IAC SE.
			for i+1 < len(line) && (line[i] != telnetIAC || line[i+1] != telnetSE) {
				i++
			}
			i++
		default:
			// Two byte command (IP, DM, AYT, ...).
		}
	}
	return out
}
