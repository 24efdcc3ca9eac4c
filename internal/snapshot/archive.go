package snapshot

import (
	"context"
	"fmt"

	"entitycore/pkg/entity"
)

// Save exports m (or the entities selected by opts) and archives the bundle
// under name.
func Save(ctx context.Context, a Archive, name string, m *entity.Manager, opts entity.ExportOptions) (Info, error) {
	bundle, err := m.Export(opts)
	if err != nil {
		return Info{}, fmt.Errorf("export %s: %w", name, err)
	}
	return a.Save(ctx, name, bundle)
}

// Restore loads the bundle archived under name and imports it into m.
func Restore(ctx context.Context, a Archive, name string, m *entity.Manager, opts ...entity.ImportOptions) ([]*entity.Entity, error) {
	bundle, err := a.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	imported, err := m.Import(bundle, opts...)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", name, err)
	}
	return imported, nil
}
