package version

// Version is the current version of martbuild.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.4.0"

// Name is the application name.
const Name = "martbuild"

// Description is a short description of the application.
const Description = "Compiles dataset definitions into mart construction actions"
