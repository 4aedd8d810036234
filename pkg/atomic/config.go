package atomic

import "time"

const (
	// DefaultStepTimeout bounds how long a Primary waits for every secondary
	// in a transaction's set to ack a single step (atomic_step_timeout_sec).
	DefaultStepTimeout = 30 * time.Second

	// DefaultTxTimeout bounds a transaction's total lifetime
	// (atomic_timeout_sec).
	DefaultTxTimeout = 300 * time.Second

	// DefaultMaxFrameBytes bounds inbound message size (max_frame_bytes).
	DefaultMaxFrameBytes = 16 << 20

	// DefaultPrimaryAddr is the Primary's default listen address
	// (atomic_primary).
	DefaultPrimaryAddr = "127.0.0.1:2310"

	// DefaultIdleStartTimeout and DefaultStateTimeout are the per-state
	// Secondary deadlines from §4.2.
	DefaultIdleStartTimeout = 30 * time.Second
	DefaultStateTimeout     = 60 * time.Second

	// DefaultRetention is the default retention value stored in the
	// configuration. Nothing reads it: Registry.Run takes its grace period
	// as an argument.
	DefaultRetention = 24 * time.Hour
)

// ChunkCodec selects how Request payload chunks are compressed on the wire.
type ChunkCodec uint8

const (
	CodecNone ChunkCodec = iota
	CodecLZ4
	CodecZstd
)

// cfg holds every tunable recognized by the core. It is never exported
// directly; callers configure it through Opt functions, mirroring the
// teacher's own functional-options client configuration.
type cfg struct {
	primaryAddr     string
	walPath         string
	stepTimeout     time.Duration
	txTimeout       time.Duration
	maxFrameBytes   uint32
	idleTimeout     time.Duration
	stateTimeout    time.Duration
	retention       time.Duration
	chunkCodec      ChunkCodec
	logger          Logger
	newTxID         func() TxID
	verifier        Verifier
	applier         Applier
	rollbacker      Rollbacker
}

func defaultCfg() cfg {
	return cfg{
		primaryAddr:   DefaultPrimaryAddr,
		walPath:       "./wal",
		stepTimeout:   DefaultStepTimeout,
		txTimeout:     DefaultTxTimeout,
		maxFrameBytes: DefaultMaxFrameBytes,
		idleTimeout:   DefaultIdleStartTimeout,
		stateTimeout:  DefaultStateTimeout,
		retention:     DefaultRetention,
		chunkCodec:    CodecNone,
		logger:        nopLogger{},
		newTxID:       NewTxID,
	}
}

// Opt configures a Primary or Secondary at construction time.
type Opt interface {
	apply(*cfg)
}

type opt func(*cfg)

func (o opt) apply(c *cfg) { o(c) }

// WithPrimaryAddr records the Primary's listen address (atomic_primary) in
// the configuration. Nothing reads it: Primary.ServeQueries and
// SecondaryHost.Serve take their address as an argument.
func WithPrimaryAddr(addr string) Opt {
	return opt(func(c *cfg) { c.primaryAddr = addr })
}

// WithWALPath records the state directory root (wal_path) in the
// configuration. Nothing reads it: OpenWAL and NewPayloadStore take the
// directory under which they create wal/ and staging/ as an argument.
func WithWALPath(path string) Opt {
	return opt(func(c *cfg) { c.walPath = path })
}

// WithStepTimeout sets the per-step deadline (atomic_step_timeout_sec).
func WithStepTimeout(d time.Duration) Opt {
	return opt(func(c *cfg) { c.stepTimeout = d })
}

// WithTxTimeout sets the per-transaction deadline (atomic_timeout_sec).
func WithTxTimeout(d time.Duration) Opt {
	return opt(func(c *cfg) { c.txTimeout = d })
}

// WithMaxFrameBytes sets the inbound message size cap (max_frame_bytes).
func WithMaxFrameBytes(n uint32) Opt {
	return opt(func(c *cfg) { c.maxFrameBytes = n })
}

// WithChunkCodec selects the compression codec applied to outbound payload
// chunks (chunk_codec, §4.7).
func WithChunkCodec(codec ChunkCodec) Opt {
	return opt(func(c *cfg) { c.chunkCodec = codec })
}

// WithLogger installs a structured logger; see NewLogrusLogger for the
// default backing implementation.
func WithLogger(l Logger) Opt {
	return opt(func(c *cfg) { c.logger = l })
}

// WithTxIDGenerator overrides the tx_id generation Primary.Run uses for a
// descriptor with a zero TxID (default: UUIDv4 via NewTxID). Per §9's open
// question, any 128-bit unique generator is valid.
func WithTxIDGenerator(f func() TxID) Opt {
	return opt(func(c *cfg) { c.newTxID = f })
}

// WithVerifier installs the Uptane collaborator invoked during Verify.
func WithVerifier(v Verifier) Opt {
	return opt(func(c *cfg) { c.verifier = v })
}

// WithApplier installs the package-manager collaborator invoked during
// Commit.
func WithApplier(a Applier) Opt {
	return opt(func(c *cfg) { c.applier = a })
}

// WithRollbacker installs the collaborator invoked on a post-commit Abort.
func WithRollbacker(r Rollbacker) Opt {
	return opt(func(c *cfg) { c.rollbacker = r })
}

// WithRetention records a retention period in the configuration. Nothing
// reads it: how long a decided transaction's WAL records survive is set by
// the grace period passed to Registry.Run.
func WithRetention(d time.Duration) Opt {
	return opt(func(c *cfg) { c.retention = d })
}
