// Package distributed coordinates the replicas of a data-parallel training
// run.
//
// Each replica builds one Coordinator, usually from the environment
// (FromEnv). The coordinator hides the topology from the training engine:
// backed by the local mesh when running single-process, by a TCP mesh when
// running distributed. Either way the engine calls the same operations --
// broadcast parameters once at initialization, average gradients every step
// -- and never branches on a "distributed" flag.
package distributed

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lockstepml/lockstep/pkg/core/collective"
	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Environment variables read by FromEnv.
const (
	// EnvDistributed toggles multi-process training. Any value containing a
	// "t" or "T" counts as true ("True", "true", "t"); everything else,
	// including unset, is false.
	EnvDistributed = "DISTRIBUTED"

	// EnvRank is this replica's rank, in [0, WORLD_SIZE). Defaults to 0.
	EnvRank = "RANK"

	// EnvWorldSize is the number of replicas. Defaults to 1.
	EnvWorldSize = "WORLD_SIZE"

	// EnvMasterAddr is the host where rank 0 listens. Defaults to 127.0.0.1.
	EnvMasterAddr = "MASTER_ADDR"

	// EnvMasterPort is the port where rank 0 listens. Defaults to 29500.
	EnvMasterPort = "MASTER_PORT"
)

// Defaults used when the corresponding environment variable is unset.
const (
	DefaultMasterAddr = "127.0.0.1"
	DefaultMasterPort = 29500
)

// Config describes this replica's place in the process group.
type Config struct {
	// Distributed selects multi-process training. When false the coordinator
	// is backed by the local mesh and every collective is an identity no-op.
	Distributed bool

	// Rank of this replica, in [0, WorldSize). Rank 0 is the master.
	Rank int

	// WorldSize is the number of replicas in the group.
	WorldSize int

	// MasterAddr and MasterPort are where rank 0 listens for the rendezvous.
	MasterAddr string
	MasterPort int

	// Compression selects the wire encoding for gradient payloads.
	Compression collective.Compression

	// DialTimeout bounds the rendezvous. Zero means the collective layer's
	// default. In-run collectives never time out.
	DialTimeout time.Duration
}

// FromEnv builds a Config from the DISTRIBUTED, RANK, WORLD_SIZE, MASTER_ADDR
// and MASTER_PORT environment variables. Unset variables take the defaults of
// a single-process run.
func FromEnv() (Config, error) {
	cfg := Config{
		Distributed: strings.Contains(strings.ToLower(os.Getenv(EnvDistributed)), "t"),
		WorldSize:   1,
		MasterAddr:  DefaultMasterAddr,
		MasterPort:  DefaultMasterPort,
	}
	var err error
	if v := os.Getenv(EnvRank); v != "" {
		cfg.Rank, err = strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parsing %s=%q", EnvRank, v)
		}
	}
	if v := os.Getenv(EnvWorldSize); v != "" {
		cfg.WorldSize, err = strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parsing %s=%q", EnvWorldSize, v)
		}
	}
	if v := os.Getenv(EnvMasterAddr); v != "" {
		cfg.MasterAddr = v
	}
	if v := os.Getenv(EnvMasterPort); v != "" {
		cfg.MasterPort, err = strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parsing %s=%q", EnvMasterPort, v)
		}
	}
	return cfg, nil
}

// Coordinator is one replica's handle on the process group. It is a thin
// façade over a collective.Mesh that works on named tensors instead of flat
// vectors.
type Coordinator struct {
	mesh collective.Mesh
}

// New joins the process group described by cfg and returns this replica's
// Coordinator.
//
// With Distributed false, or a WorldSize of 1, no connection is made: the
// returned coordinator runs on the local mesh and IsMaster is always true.
// Otherwise it blocks until every rank has joined, failing with
// *collective.InitError if the group cannot be formed. There is no retry:
// a failed rendezvous is fatal for the run.
func New(cfg Config) (*Coordinator, error) {
	if !cfg.Distributed || cfg.WorldSize <= 1 {
		return &Coordinator{mesh: collective.Local()}, nil
	}
	addr := cfg.MasterAddr
	if addr == "" {
		addr = DefaultMasterAddr
	}
	port := cfg.MasterPort
	if port == 0 {
		port = DefaultMasterPort
	}
	mesh, err := collective.DialTCP(collective.TCPConfig{
		Rank:        cfg.Rank,
		WorldSize:   cfg.WorldSize,
		MasterAddr:  addr,
		MasterPort:  port,
		Compression: cfg.Compression,
		Timeout:     cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Coordinator{mesh: mesh}, nil
}

// newWithMesh wraps an existing mesh. Tests use it to build coordinators over
// in-process meshes.
func newWithMesh(mesh collective.Mesh) *Coordinator {
	return &Coordinator{mesh: mesh}
}

// Rank of this replica, in [0, WorldSize).
func (c *Coordinator) Rank() int { return c.mesh.Rank() }

// WorldSize is the number of replicas in the group.
func (c *Coordinator) WorldSize() int { return c.mesh.WorldSize() }

// IsMaster reports whether this replica is rank 0. In single-process mode it
// is always true.
func (c *Coordinator) IsMaster() bool { return c.mesh.Rank() == 0 }

// BroadcastParameters replaces every parameter's values with the root rank's,
// in place. All replicas must call it with the same parameter names and
// shapes; parameters are visited in sorted-name order so the replicas agree
// on the tensor sequence.
//
// It is called once per run, before the first optimizer step, so all replicas
// train from the same starting point.
func (c *Coordinator) BroadcastParameters(params map[string]*tensors.Tensor, rootRank int) error {
	for _, name := range xslices.SortedKeys(params) {
		var err error
		params[name].MutableFlatData(func(flat []float32) {
			err = c.mesh.Broadcast(flat, rootRank)
		})
		if err != nil {
			return errors.WithMessagef(err, "broadcasting parameter %q from rank %d", name, rootRank)
		}
	}
	return nil
}

// Close releases the coordinator's connections. The coordinator is unusable
// afterwards.
func (c *Coordinator) Close() error { return c.mesh.Close() }
