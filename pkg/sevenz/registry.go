package sevenz

// coderUnit is the capability set every coder in a folder's DAG must
// satisfy: how many input/output streams it declares, and a decode step
// that consumes ordered inputs plus the declared output sizes (read from
// SubstreamsInfo or the folder's unpackSize) and produces ordered outputs.
//
// AES, Copy, Delta, Deflate and BZip2 ship with default factories below;
// LZMA, LZMA2 and BCJ are registered the same way but are left for a host
// to register (spec.md §4.4, §6).
type coderUnit interface {
	streamCounts() (in, out int)
	decode(props []byte, inputs [][]byte, declaredOutSizes []int64) ([][]byte, error)
}

// CoderFactory constructs a coderUnit for one folder's use of a coder ID.
// password is "" unless the host supplied one to Open.
type CoderFactory func(password string) coderUnit

// Registry maps coder ID bytes to factories. A fresh Registry from
// NewRegistry knows Copy, AES256SHA256, Delta, Deflate and BZip2; every
// other coder ID (LZMA, LZMA2, BCJ, ...) must be registered explicitly
// (spec.md §4.4).
type Registry struct {
	factories map[string]CoderFactory
}

// NewRegistry returns a Registry pre-populated with Copy, AES256SHA256,
// Delta, Deflate and BZip2. LZMA, LZMA2 and BCJ are intentionally absent —
// register factories for them before passing the registry to Open if a
// host needs them. Register or overwrite any entry before calling Open.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]CoderFactory)}
	r.Register([]byte{0x00}, func(string) coderUnit { return copyCoder{} })
	r.Register(aesCoderID, newAESCoder)
	r.Register([]byte{0x03}, func(string) coderUnit { return deltaCoder{} })
	r.Register([]byte{0x04, 0x01, 0x08}, func(string) coderUnit { return deflateCoder{} })
	r.Register([]byte{0x04, 0x02, 0x02}, func(string) coderUnit { return bzip2Coder{} })
	return r
}

// Register installs or replaces the factory for a coder ID. Hosts use this
// to add LZMA/LZMA2 support or to override any built-in codec.
func (r *Registry) Register(id []byte, factory CoderFactory) {
	r.factories[string(id)] = factory
}

func (r *Registry) lookup(id []byte) (CoderFactory, bool) {
	f, ok := r.factories[string(id)]
	return f, ok
}

// knownCoderID reports whether id matches something registered, used by
// the folder builder to reject a folder with a precise Unsupported error
// before any of its coders runs.
func (r *Registry) knownCoderID(id []byte) bool {
	_, ok := r.lookup(id)
	return ok
}
