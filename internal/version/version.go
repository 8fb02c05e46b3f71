// Package version holds build metadata, set with -ldflags at release time.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	Date      = "unknown"
	GoVersion = runtime.Version()
)

func Print() {
	fmt.Println("featsync - feature layer synchronizer")
	fmt.Printf("  %-10s %s\n", "Version:", Version)
	fmt.Printf("  %-10s %s\n", "Go Version:", GoVersion)
	fmt.Printf("  %-10s %s\n", "Git Commit:", Commit)
	fmt.Printf("  %-10s %s\n", "Built:", Date)
	fmt.Printf("  %-10s %s/%s\n", "OS/Arch:", runtime.GOOS, runtime.GOARCH)
}
