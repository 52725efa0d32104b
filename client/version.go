package client

// Version is the library version reported by GetVersion, debug info and the
// CLI. Release builds set it with
// -ldflags "-X github.com/cookielab/pgclient/client.Version=<tag>".
var Version = "dev"
