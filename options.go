package qcow2

// Default bounds for the two in-memory metadata caches. Both are small
// relative to the tables they shadow: the caches exist to bound COW
// rotation churn on hot metadata, not to hold a whole image's tables in
// memory at once.
const (
	DefaultL2CacheSize       = 128
	DefaultRefcountCacheSize = 32
)

type imageOptions struct {
	clusterBits       uint32
	l2CacheSize       int
	refcountCacheSize int
}

func newImageOptions(opts ...Option) *imageOptions {
	cfg := &imageOptions{
		clusterBits:       DefaultClusterBits,
		l2CacheSize:       DefaultL2CacheSize,
		refcountCacheSize: DefaultRefcountCacheSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option configures image construction.
type Option func(*imageOptions)

// WithClusterBits sets the cluster size (as a power of two) used when
// creating a new image. It has no effect when opening an existing one,
// whose cluster size comes from the on-disk header.
func WithClusterBits(bits uint32) Option {
	return func(cfg *imageOptions) {
		cfg.clusterBits = bits
	}
}

// WithL2CacheSize bounds the number of L2 tables held in memory at once.
func WithL2CacheSize(n int) Option {
	return func(cfg *imageOptions) {
		cfg.l2CacheSize = n
	}
}

// WithRefcountCacheSize bounds the number of refcount blocks held in
// memory at once.
func WithRefcountCacheSize(n int) Option {
	return func(cfg *imageOptions) {
		cfg.refcountCacheSize = n
	}
}
