package env

// Args collects the station's command line switches.
type Args struct {
	ConfigPath string
	ResetCause string
	Loop       bool
	NoSleep    bool
	Verbose    bool
}
