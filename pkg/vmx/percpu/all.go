// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package percpu

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/log"
)

// onCore runs fn for core id, pinned to it if the Registry pins.
func (r *Registry) onCore(id int, fn func(int) error) error {
	if r.opts.Pin {
		unpin, err := Pin(id)
		if err != nil {
			return err
		}
		defer unpin()
	}
	return fn(id)
}

// EnableAll enables VMX on every attached core concurrently.
//
// If any core fails, the cores enabled by this call are disabled again and
// the first error is returned.
func (r *Registry) EnableAll(ctx context.Context) error {
	ids := r.Cores()
	enabled := make([]bool, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.onCore(id, r.Enable); err != nil {
				return err
			}
			enabled[i] = true
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}
	for i, id := range ids {
		if !enabled[i] {
			continue
		}
		if derr := r.onCore(id, r.Disable); derr != nil {
			log.Warningf("Rolling back VMX on core %d: %v", id, derr)
		}
	}
	return err
}

// DisableAll disables VMX on every enabled core concurrently. Cores that
// are not enabled are skipped. All cores are attempted; the errors are
// joined.
func (r *Registry) DisableAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		ids  = r.Cores()
		errs = make([]error, len(ids))
	)
	for i, id := range ids {
		if !r.IsEnabled(id) {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = r.onCore(id, r.Disable)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
