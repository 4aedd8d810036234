package atomic

import "context"

// Verifier is the Uptane collaborator: static checks performed before a
// Secondary accepts an image (space available, compatible hardware,
// metadata signed correctly). Called during Verify.
type Verifier interface {
	Verify(ctx context.Context, txID TxID, serial Serial, metadata []byte) (bool, error)
}

// VerifierFunc adapts a function to a Verifier.
type VerifierFunc func(ctx context.Context, txID TxID, serial Serial, metadata []byte) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, txID TxID, serial Serial, metadata []byte) (bool, error) {
	return f(ctx, txID, serial, metadata)
}

// Applier is the package-manager collaborator: activates a staged image
// (swap boot slot, rename, flush). Called during Commit.
type Applier interface {
	Apply(ctx context.Context, txID TxID, serial Serial, payload []byte) error
}

type ApplierFunc func(ctx context.Context, txID TxID, serial Serial, payload []byte) error

func (f ApplierFunc) Apply(ctx context.Context, txID TxID, serial Serial, payload []byte) error {
	return f(ctx, txID, serial, payload)
}

// ErrRollbackUnsupported is returned by a Rollbacker whose commit is
// physically irreversible. It is not a failure: per §4.2 split-brain
// handling, the Secondary remains Committed and reports success.
var ErrRollbackUnsupported = Wrap(KindRollback, nil, "rollback unsupported")

// Rollbacker is invoked on a post-commit Abort. Returning
// ErrRollbackUnsupported is valid and expected for package managers (e.g.
// ostree, rpm) whose commit step cannot be physically undone.
type Rollbacker interface {
	Rollback(ctx context.Context, txID TxID, serial Serial) error
}

type RollbackerFunc func(ctx context.Context, txID TxID, serial Serial) error

func (f RollbackerFunc) Rollback(ctx context.Context, txID TxID, serial Serial) error {
	return f(ctx, txID, serial)
}

// NoopRollbacker always reports ErrRollbackUnsupported; it models
// backends (e.g. "off") with no reversible commit step.
type NoopRollbacker struct{}

func (NoopRollbacker) Rollback(context.Context, TxID, Serial) error {
	return ErrRollbackUnsupported
}
