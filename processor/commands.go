package processor

// Predefined command groups for use with WithDisableCommands.
//
// Example usage:
//
//	// Passive mode only, e.g. behind a NAT without a PORT-capable path
//	p, _ := processor.New(
//	    processor.WithDisableCommands(processor.ActiveModeCommands...),
//	)
//
//	// A download-only server
//	p, _ := processor.New(
//	    processor.WithDisableCommands(processor.WriteCommands...),
//	)
var (
	// LegacyCommands contains the X* command variants from RFC 775.
	//
	// Commands: XCWD, XCUP, XPWD, XMKD, XRMD
	LegacyCommands = []string{
		"XCWD", // Use CWD instead
		"XCUP", // Use CDUP instead
		"XPWD", // Use PWD instead
		"XMKD", // Use MKD instead
		"XRMD", // Use RMD instead
	}

	// ActiveModeCommands contains commands for active mode data connections.
	//
	// Commands: PORT, EPRT
	ActiveModeCommands = []string{
		"PORT", // Active mode for IPv4
		"EPRT", // Active mode for IPv6
	}

	// WriteCommands contains all commands that modify the file system.
	//
	// Commands: STOR, APPE, STOU, DELE, RMD, XRMD, MKD, XMKD, RNFR, RNTO, MFMT
	//
	// Note: for per-user read-only access, have the UserStore return a user
	// with ReadOnly set instead.
	WriteCommands = []string{
		"STOR", // Store file
		"APPE", // Append to file
		"STOU", // Store unique
		"DELE", // Delete file
		"RMD",  // Remove directory
		"XRMD", // Remove directory (legacy)
		"MKD",  // Make directory
		"XMKD", // Make directory (legacy)
		"RNFR", // Rename from
		"RNTO", // Rename to
		"MFMT", // Modify file time
	}

	// SiteCommands contains SITE administrative commands.
	//
	// Commands: SITE
	SiteCommands = []string{
		"SITE", // All SITE commands
	}
)
