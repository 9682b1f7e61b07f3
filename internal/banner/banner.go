// Package banner prints the startup banner.
package banner

import (
	"fmt"
	"io"
)

// Version is the release reported by the banner.
const Version = "0.3.0"

// Print writes the banner with the storage mode and catalog source in use.
func Print(w io.Writer, storageMode, catalogSource string) {
	banner := `
 _      __     __      __   ___   __        __
| | /| / /__ _/ /_____/ /  / _ | / /__ ____/ /_
| |/ |/ / _ '/ __/ __/ _ \/ __ |/ / -_) __/ __/
|__/|__/\_,_/\__/\__/_//_/_/ |_/_/\__/_/  \__/
                       v%s - rules, routes, escalations
`
	fmt.Fprintf(w, banner, Version)
	fmt.Fprintf(w, "storage: %s | catalog: %s\n", storageMode, catalogSource)
	fmt.Fprintln(w, "------------------------------------------------")
}
