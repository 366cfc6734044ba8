package build

var (
	Name    = "vfmt"
	Version = "v0.0.1+dev"
)
