package emit

// Options carries the emitter's externally supplied knobs: everything the
// driver decides rather than the merged image itself.
type Options struct {
	// DefaultInterp is the PT_INTERP string written whenever the final
	// image's interpreter is External. The merger never carries an
	// original interpreter path through to emission verbatim.
	DefaultInterp string

	// DebugGDBScripts, if non-nil, is appended verbatim as the final blob
	// in the file and described by a trailing .debug_gdb_scripts section.
	DebugGDBScripts []byte
}

// interpPath returns the PT_INTERP string to write, falling back to
// DefaultInterpPath when the driver didn't override it.
func (o Options) interpPath() string {
	if o.DefaultInterp != "" {
		return o.DefaultInterp
	}
	return DefaultInterpPath
}
