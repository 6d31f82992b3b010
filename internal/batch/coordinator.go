// Package batch provisions groups of instances concurrently over a
// bounded worker pool with all-or-nothing semantics: reservations are
// made up front, the first failure cancels everything not yet started,
// and (when clean-up is enabled) every instance of the batch is torn
// down again before the error is returned.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/smelterhq/smelter/internal/baremetal"
	"github.com/smelterhq/smelter/internal/configdrive"
	"github.com/smelterhq/smelter/internal/image"
	"github.com/smelterhq/smelter/internal/provisioner"
	"github.com/smelterhq/smelter/internal/shared/logger"
)

// defaultForcedWait is applied per job when the pool is smaller than
// the batch, so the number of in-flight deploys stays bounded by the
// worker count.
const defaultForcedWait = time.Hour

// InstanceSpec describes one instance of a batch.
type InstanceSpec struct {
	Hostname       string
	ResourceClass  string
	ConductorGroup *string
	Candidates     []string
	Capabilities   map[string]string
	Traits         []string
	Image          image.Source
	NICs           []provisioner.NIC
	RootSizeGB     int
	SwapSizeMB     int
	NetBoot        bool
	Config         *configdrive.Config
}

// Options configures a batch run.
type Options struct {
	// Concurrency bounds the worker pool; values below one mean one
	// worker per instance.
	Concurrency int
	// CleanUp makes the batch all-or-nothing: on failure, every
	// instance reserved or provisioned by this batch is torn down.
	CleanUp bool
	// Wait is the per-instance deploy wait. It is forced to a default
	// when the pool is smaller than the batch.
	Wait time.Duration
	// ReserveTimeout bounds each reservation.
	ReserveTimeout time.Duration
}

// Coordinator fans provisioning of a batch out over the Provisioner.
type Coordinator struct {
	prov *provisioner.Provisioner
	log  *logger.Logger
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(prov *provisioner.Provisioner, log *logger.Logger) *Coordinator {
	return &Coordinator{prov: prov, log: log.WithComponent("batch")}
}

type reservation struct {
	node *baremetal.Node
	spec InstanceSpec
}

// Provision reserves a node for every spec first, then deploys them
// concurrently. Jobs are submitted in input order but may complete in
// any order; the returned instances are in completion order. Only the
// first error is returned, later ones are logged and swallowed.
func (c *Coordinator) Provision(ctx context.Context, specs []InstanceSpec, opts Options) ([]*provisioner.Instance, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	op := c.log.StartOp(ctx, "batch_provision", slog.Int("instances", len(specs)))

	reserved, err := c.reserveAll(ctx, specs, opts)
	if err != nil {
		if opts.CleanUp {
			c.release(ctx, reserved)
		}
		op.Fail(err, "batch reservation failed")
		return nil, err
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = len(specs)
	}
	wait := opts.Wait
	if concurrency < len(specs) && wait <= 0 {
		wait = defaultForcedWait
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		completed []*provisioner.Instance
		firstErr  error
	)

	jobs := make(chan reservation)
	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				// Cancelled jobs are skipped before they start;
				// in-flight deploys always run to completion.
				if runCtx.Err() != nil {
					c.log.Debug("skipping cancelled job",
						slog.String("hostname", job.spec.Hostname))
					continue
				}
				inst, err := c.prov.Provision(ctx, job.node.ID, provisioner.ProvisionRequest{
					Image:        job.spec.Image,
					NICs:         job.spec.NICs,
					Hostname:     job.spec.Hostname,
					RootSizeGB:   job.spec.RootSizeGB,
					SwapSizeMB:   job.spec.SwapSizeMB,
					Capabilities: job.spec.Capabilities,
					Traits:       job.spec.Traits,
					NetBoot:      job.spec.NetBoot,
					Config:       job.spec.Config,
					Wait:         wait,
				})

				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
						cancel()
					} else {
						c.log.Warn("swallowing later batch error",
							slog.String("hostname", job.spec.Hostname),
							slog.String("error", err.Error()))
					}
				} else {
					completed = append(completed, inst)
					op.Progress("instance provisioned",
						slog.String("hostname", inst.Hostname()),
						slog.Int("completed", len(completed)))
				}
				mu.Unlock()
			}
		}()
	}

	for _, r := range reserved {
		jobs <- r
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		if opts.CleanUp {
			c.release(ctx, reserved)
		}
		op.Fail(firstErr, "batch provisioning failed")
		return nil, firstErr
	}
	op.Complete("batch provisioning completed")
	return completed, nil
}

// reserveAll claims one node per spec, sequentially and in input
// order. On the first failure it returns the reservations made so far
// together with the error so the caller can release them.
func (c *Coordinator) reserveAll(ctx context.Context, specs []InstanceSpec, opts Options) ([]reservation, error) {
	reserved := make([]reservation, 0, len(specs))
	for _, spec := range specs {
		node, _, err := c.prov.ScheduleAndReserve(ctx, provisioner.ReserveRequest{
			ResourceClass:  spec.ResourceClass,
			ConductorGroup: spec.ConductorGroup,
			Capabilities:   spec.Capabilities,
			Traits:         spec.Traits,
			Candidates:     spec.Candidates,
			Hostname:       spec.Hostname,
			Timeout:        opts.ReserveTimeout,
		})
		if err != nil {
			return reserved, err
		}
		reserved = append(reserved, reservation{node: node, spec: spec})
	}
	return reserved, nil
}

// release tears down every reservation of a failed batch. Errors are
// logged, never surfaced, so the original batch error stays the one
// the caller sees.
func (c *Coordinator) release(ctx context.Context, reserved []reservation) {
	for _, r := range reserved {
		if _, err := c.prov.Unprovision(ctx, r.node.ID, 0); err != nil {
			c.log.Warn("failed to release instance during batch clean-up",
				slog.String("node", r.node.Describe()),
				slog.String("error", err.Error()))
		}
	}
}

// Unprovision tears down the instances of a batch, resolving each spec
// by hostname first and node identifier second. Absent instances are
// skipped, not errors.
func (c *Coordinator) Unprovision(ctx context.Context, specs []InstanceSpec, wait time.Duration) error {
	for _, spec := range specs {
		ident := spec.Hostname
		if ident == "" && len(spec.Candidates) == 1 {
			ident = spec.Candidates[0]
		}
		if ident == "" {
			c.log.Warn("cannot resolve instance spec without hostname or candidate, skipping")
			continue
		}

		instances, err := c.prov.ShowInstances(ctx, []string{ident})
		if err != nil {
			var notFound *provisioner.InstanceNotFoundError
			if errors.As(err, &notFound) {
				c.log.Debug("instance already absent, skipping",
					slog.String("instance", ident))
				continue
			}
			return err
		}
		if _, err := c.prov.Unprovision(ctx, instances[0].Node.ID, wait); err != nil {
			return err
		}
	}
	return nil
}
