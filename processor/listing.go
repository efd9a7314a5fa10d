package processor

import (
	"fmt"
	"os"
	"time"
)

// formatListLine renders one entry in the Unix "ls -l" style most clients
// parse. Entries older than six months show the year instead of the time.
func formatListLine(info os.FileInfo) string {
	mod := info.ModTime()
	stamp := mod.Format("Jan _2 15:04")
	if time.Since(mod) > 180*24*time.Hour || mod.After(time.Now().Add(time.Hour)) {
		stamp = mod.Format("Jan _2  2006")
	}
	return fmt.Sprintf("%s 1 ftp ftp %12d %s %s\r\n",
		info.Mode().String(), info.Size(), stamp, info.Name())
}

// formatMLEntry renders an RFC 3659 fact line:
//
//	type=file;size=123;modify=20210101120000;perm=r; name
func formatMLEntry(info os.FileInfo, name string) string {
	t := "file"
	perm := "r"
	if info.IsDir() {
		t = "dir"
		perm = "el"
	}
	if info.Mode().Perm()&0o200 != 0 {
		if info.IsDir() {
			perm += "cmp"
		} else {
			perm += "adfw"
		}
	}

	// RFC 3659 Section 2.3: "Time values are always represented in UTC"
	return fmt.Sprintf("type=%s;size=%d;modify=%s;perm=%s; %s\r\n",
		t, info.Size(), info.ModTime().UTC().Format("20060102150405"), perm, name)
}
