package sparselinear

import (
	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/logger"
)

// DefaultAlignment is the byte alignment requested for every descriptor.
const DefaultAlignment = 16

type config struct {
	order        device.Order
	opWeight     device.Operation
	opActivation device.Operation
	pruneAlg     device.PruneAlg
	compute      device.ComputeType
	computeSet   bool
	alpha        float32
	beta         float32
	configID     int
	alignment    uint32
	log          logger.Logger
}

func defaultConfig() config {
	return config{
		order:        device.OrderRow,
		opWeight:     device.OpNonTranspose,
		opActivation: device.OpNonTranspose,
		pruneAlg:     device.PruneStrip,
		alpha:        1,
		beta:         0,
		alignment:    DefaultAlignment,
		log:          logger.Discard(),
	}
}

// Option configures a Linear.
type Option func(*config)

// WithOrder sets the storage order of every host and device matrix.
func WithOrder(order device.Order) Option {
	return func(c *config) { c.order = order }
}

// WithOps sets the operations applied to the weight and the activation.
func WithOps(weight, activation device.Operation) Option {
	return func(c *config) {
		c.opWeight = weight
		c.opActivation = activation
	}
}

// WithPruneAlg selects strip (default) or tile pruning.
func WithPruneAlg(alg device.PruneAlg) Option {
	return func(c *config) { c.pruneAlg = alg }
}

// WithCompute overrides the compute type derived from the element type.
func WithCompute(compute device.ComputeType) Option {
	return func(c *config) {
		c.compute = compute
		c.computeSet = true
	}
}

// WithAlpha scales the sparse product. The default is 1.
func WithAlpha(alpha float32) Option {
	return func(c *config) { c.alpha = alpha }
}

// WithBeta scales the accumulator's initial content into the output. With
// beta 0 the accumulator is only written.
func WithBeta(beta float32) Option {
	return func(c *config) { c.beta = beta }
}

// WithAlgConfig selects the kernel configuration id of the default algorithm.
func WithAlgConfig(id int) Option {
	return func(c *config) { c.configID = id }
}

// WithAlignment sets the descriptor alignment in bytes, a multiple of 16.
func WithAlignment(bytes uint32) Option {
	return func(c *config) { c.alignment = bytes }
}

// WithLogger sets where stage transitions are logged. nil keeps the default.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// ExecOption configures one Execute call.
type ExecOption func(*execConfig)

type execConfig struct {
	workspace device.Ptr
	streams   []device.Stream
}

// WithWorkspace supplies a caller-owned workspace of at least
// Plan().WorkspaceSize bytes on the operator's device.
func WithWorkspace(p device.Ptr) ExecOption {
	return func(c *execConfig) { c.workspace = p }
}

// WithStreams adds auxiliary streams the library may split the matmul over.
func WithStreams(streams ...device.Stream) ExecOption {
	return func(c *execConfig) { c.streams = append(c.streams, streams...) }
}
