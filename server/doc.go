// Package server implements the core of an FTP server: listeners, sessions,
// data channel negotiation, FTPS upgrades and idle supervision.
//
// # Overview
//
// The package owns the connection-level machinery and leaves command
// semantics to a CommandProcessor:
//   - Server accepts control connections, enforces connection limits and
//     can be suspended and resumed without touching live sessions
//   - Session holds the per-connection protocol state: login, working
//     directory, transfer parameters, the rename handshake and TLS state
//   - DataChannel carries one transfer, passive or active, optionally
//     secured with TLS
//   - Supervisor tracks sessions across listeners and evicts idle ones
//
// # Getting Started
//
// The processor package implements the standard command set over an
// afero file system, and the userstore package authenticates accounts from
// a JSON file:
//
//	package main
//
//	import (
//	    "log"
//
//	    "github.com/gonzalop/ftpd/processor"
//	    "github.com/gonzalop/ftpd/server"
//	    "github.com/gonzalop/ftpd/userstore"
//	)
//
//	func main() {
//	    users, err := userstore.Load("users.json")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    proc, err := processor.New()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    s, err := server.NewServer(":2121",
//	        server.WithProcessor(proc),
//	        server.WithUserStore(users),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    log.Println("Starting FTP server on :2121")
//	    if err := s.ListenAndServe(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # FTPS Support
//
// Both Explicit (AUTH TLS, RFC 4217) and Implicit FTPS are supported
// through an ftps.Provider, which loads a PKCS#12 or PEM key store:
//
//	provider, _ := ftps.NewProvider(ftps.Config{
//	    KeyStore: ftps.KeyStore{Path: "server.p12", Password: "changeit"},
//	})
//	s, _ := server.NewServer(":21",
//	    server.WithProcessor(p),
//	    server.WithUserStore(users),
//	    server.WithSecureProvider(provider),
//	)
//
// Add WithImplicitTLS(true) to secure connections before the banner
// (usually on port 990). A client that pipelines commands after AUTH TLS
// is disconnected rather than having plaintext interpreted as if it were
// protected.
//
// # Passive Mode Configuration
//
// Passive ports come from a pool described by a comma-separated list of
// ports and ranges. Behind NAT, bind to the private address and advertise
// the public one:
//
//	s, _ := server.NewServer(":21",
//	    server.WithProcessor(p),
//	    server.WithUserStore(users),
//	    server.WithPassivePorts("30000-30100"),
//	    server.WithPassiveAddress("", "ftp.example.com"),
//	)
//
// A port stays reserved until its data channel is closed, whether by the
// transfer, a new PASV/PORT, ABOR or the end of the session.
//
// # Sessions and Supervision
//
// Every command pushes the session's idle deadline forward. The supervisor
// scans deadlines periodically and closes expired sessions with a 421
// reply. Several servers can share one supervisor to enumerate and manage
// all sessions in one place:
//
//	sv := server.NewSupervisor()
//	sv.Start(ctx)
//	defer sv.Stop()
//
//	plain, _ := server.NewServer(":21", append(opts, server.WithSupervisor(sv))...)
//	secure, _ := server.NewServer(":990", append(opts, server.WithSupervisor(sv),
//	    server.WithImplicitTLS(true))...)
//
//	for _, info := range sv.Sessions() {
//	    fmt.Println(info.ID, info.User, info.RemoteAddr)
//	}
//
// # Troubleshooting
//
// Problem: Passive mode connections fail
//   - Solution: Advertise your public address with WithPassiveAddress
//   - Solution: Ensure the firewall allows the passive port range
//
// Problem: PORT commands are rejected with 500
//   - Solution: The client announced an address other than its own. Only
//     disable WithPortIPCheck if you trust every client.
//
// Problem: TLS handshake failures
//   - Solution: Check the key store password and format
//   - Solution: Check that clients support the configured TLS protocol
//
// # RFC Compliance
//
// The core and the processor package implement:
//   - RFC 959 (Base FTP)
//   - RFC 1123 (Requirements for Internet Hosts - minimum implementation)
//   - RFC 2389 (Feature Negotiation)
//   - RFC 2428 (IPv6 / NAT)
//   - RFC 3659 (Extensions: SIZE, MDTM, MLSD, MLST, REST)
//   - RFC 4217 (Securing FTP with TLS)
//   - draft-preston-ftpext-deflate (MODE Z)
package server
