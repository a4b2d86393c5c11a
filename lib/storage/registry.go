package storage

import (
	"context"
	"errors"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks open instances. It is owned by the caller and passed to
// NewStorage; instances add themselves on creation and remove themselves on
// Close or Remove.
type Registry struct {
	instances *xsync.MapOf[string, *Instance]
}

func NewRegistry() *Registry {
	return &Registry{instances: xsync.NewMapOf[string, *Instance]()}
}

func (r *Registry) add(inst *Instance) {
	r.instances.Store(inst.id, inst)
}

func (r *Registry) remove(inst *Instance) {
	r.instances.Delete(inst.id)
}

// Get returns the open instance with the given id.
func (r *Registry) Get(id string) (*Instance, bool) {
	return r.instances.Load(id)
}

// Len returns the number of open instances.
func (r *Registry) Len() int {
	return r.instances.Size()
}

// Instances returns a snapshot of the open instances.
func (r *Registry) Instances() []*Instance {
	out := make([]*Instance, 0, r.instances.Size())
	r.instances.Range(func(_ string, inst *Instance) bool {
		out = append(out, inst)
		return true
	})
	return out
}

// CloseAll closes every open instance.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs []error
	for _, inst := range r.Instances() {
		errs = append(errs, inst.Close(ctx))
	}
	return errors.Join(errs...)
}
