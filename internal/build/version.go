// Package build carries values stamped in at link time
package build

// Version is set with -ldflags "-X github.com/drummonds/pdfview/internal/build.Version=..."
var Version = "dev"
