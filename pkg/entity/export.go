package entity

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"

	"github.com/oklog/ulid/v2"
)

// BundleVersion is the export format version written by Export.
const BundleVersion = 1

// Bundle is the serialisable form of a set of entities. Navigations are not
// stored; relationships are rebuilt from foreign keys on import.
type Bundle struct {
	ID         string                    `json:"id"`
	Version    int                       `json:"version"`
	ExportedAt time.Time                 `json:"exportedAt"`
	TempKeys   []KeyRef                  `json:"tempKeys,omitempty"`
	Entities   map[string][]EntityRecord `json:"entities"`
}

// KeyRef names a key by type and values.
type KeyRef struct {
	Type   string `json:"type"`
	Values []any  `json:"values"`
}

// EntityRecord is one exported entity.
type EntityRecord struct {
	Values map[string]any     `json:"values"`
	State  domain.EntityState `json:"state"`
	// OriginalValues holds pre-change values; complex ones use dotted paths.
	OriginalValues map[string]any `json:"originalValues,omitempty"`
	Extras         map[string]any `json:"extras,omitempty"`
}

// Count returns the number of entity records.
func (b *Bundle) Count() int {
	n := 0
	for _, recs := range b.Entities {
		n += len(recs)
	}
	return n
}

// TypeNames returns the entity type names in sorted order.
func (b *Bundle) TypeNames() []string {
	names := make([]string, 0, len(b.Entities))
	for name := range b.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeBundle reads a JSON bundle. Numbers are kept as json.Number so Int64
// values survive beyond 2^53; the property data types coerce them on import.
func DecodeBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Version > BundleVersion {
		return nil, fmt.Errorf("decode bundle: unsupported version %d", b.Version)
	}
	return &b, nil
}

// Encode writes b as indented JSON.
func (b *Bundle) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

// ExportOptions select what Export writes. With no Entities the whole cache
// is exported. IncludeDependents adds the members of the given entities'
// collection navigations.
type ExportOptions struct {
	Entities          []*Entity
	IncludeDependents bool
}

// ImportOptions control how imported records meet resident entities.
type ImportOptions struct {
	MergeStrategy domain.MergeStrategy
}

// Export captures entities with their states, original values and extras.
func (m *Manager) Export(opts ExportOptions) (bundle *Bundle, err error) {
	start := time.Now()
	defer func() { m.observe("export", start, err) }()
	var entities []*Entity
	if len(opts.Entities) == 0 {
		entities, _ = m.GetEntities(EntityFilter{})
	} else {
		seen := make(map[*Entity]bool)
		add := func(e *Entity) {
			if !seen[e] {
				seen[e] = true
				entities = append(entities, e)
			}
		}
		for _, e := range opts.Entities {
			if e.aspect.manager != m {
				return nil, domain.NewError(domain.ErrNotAttached, e.entityType.Name, "", e.String())
			}
			add(e)
		}
		if opts.IncludeDependents {
			for _, e := range opts.Entities {
				for _, c := range e.collections {
					for _, child := range c.items {
						add(child)
					}
				}
			}
		}
	}
	b := &Bundle{
		ID:         ulid.Make().String(),
		Version:    BundleVersion,
		ExportedAt: m.now().UTC(),
		Entities:   make(map[string][]EntityRecord),
	}
	for _, e := range entities {
		a := e.aspect
		rec := EntityRecord{
			Values: exportMap(e.Values()),
			State:  a.state,
		}
		if originals := a.OriginalValues(); len(originals) > 0 {
			rec.OriginalValues = exportMap(originals)
		}
		if len(e.extras) > 0 {
			rec.Extras = e.Extras()
		}
		b.Entities[e.entityType.Name] = append(b.Entities[e.entityType.Name], rec)
		if a.hasTempKey {
			b.TempKeys = append(b.TempKeys, KeyRef{Type: e.entityType.Name, Values: exportSlice(e.keyValues())})
		}
	}
	m.logger.Debug("exported entities", "bundle", b.ID, "count", len(entities))
	return b, nil
}

func exportValue(v any) any {
	switch x := v.(type) {
	case time.Duration:
		return metadata.FormatISODuration(x)
	case map[string]any:
		return exportMap(x)
	}
	return v
}

func exportMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = exportValue(v)
	}
	return out
}

func exportSlice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = exportValue(v)
	}
	return out
}

// Import attaches the entities of a bundle. Temporary keys are replaced by
// fresh ones from this manager's generator and foreign keys that referenced
// them follow. Each entity yields one AttachOnImport or MergeOnImport action.
func (m *Manager) Import(b *Bundle, opts ...ImportOptions) (result []*Entity, err error) {
	start := time.Now()
	defer func() { m.observe("import", start, err) }()
	var mopts []MergeOptions
	if len(opts) > 0 {
		mopts = append(mopts, MergeOptions(opts[0]))
	}
	run := m.newMergeRun(mopts, domain.ActionAttachOnImport, domain.ActionMergeOnImport)

	types := make(map[string]*metadata.EntityType, len(b.Entities))
	for _, name := range b.TypeNames() {
		et, err := m.store.EntityType(name)
		if err != nil {
			return nil, err
		}
		types[name] = et
	}
	temps := make(map[string]bool, len(b.TempKeys))
	for _, ref := range b.TempKeys {
		et, err := m.store.EntityType(ref.Type)
		if err != nil {
			return nil, err
		}
		key, err := NewEntityKey(et, ref.Values...)
		if err != nil {
			return nil, err
		}
		temps[key.hash()] = true
	}
	for _, name := range b.TypeNames() {
		et := types[name]
		for _, rec := range b.Entities[name] {
			key, err := recordKey(et, rec.Values)
			if err != nil {
				return nil, err
			}
			if !rec.State.Valid() || rec.State.IsDetached() {
				return nil, domain.NewError(domain.ErrTypeMismatch, name, "", "invalid state "+rec.State.String())
			}
			if run.strategy == domain.MergeDisallowed && !temps[key.hash()] && m.findByKey(key) != nil {
				return nil, domain.NewError(domain.ErrMergeDisallowed, name, "", key.String())
			}
		}
	}

	remap := make(map[string]any, len(temps))
	var issued []EntityKey
	for _, ref := range b.TempKeys {
		et := types[ref.Type]
		if et == nil {
			et, _ = m.store.EntityType(ref.Type)
		}
		key, _ := NewEntityKey(et, ref.Values...)
		v, temp, err := m.keyGen.Generate(et)
		if err != nil {
			for _, k := range issued {
				m.keyGen.Release(k)
			}
			return nil, err
		}
		if temp {
			issued = append(issued, EntityKey{entityType: et, values: []any{v}})
		}
		remap[key.hash()] = v
	}

	m.loading++
	m.quiet++
	for _, name := range b.TypeNames() {
		et := types[name]
		for _, rec := range b.Entities[name] {
			e := m.importRecord(et, rec, remap, run)
			if e != nil {
				result = append(result, e)
			}
		}
	}
	m.quiet--
	m.loading--
	m.finishMerge(run)
	m.logger.Debug("imported entities", "bundle", b.ID, "count", len(result))
	return result, nil
}

func (m *Manager) importRecord(et *metadata.EntityType, rec EntityRecord, remap map[string]any, run *mergeRun) *Entity {
	values := make(map[string]any, len(rec.Values))
	for k, v := range rec.Values {
		values[k] = v
	}
	key, _ := recordKey(et, values)
	newKey, isTemp := remap[key.hash()]
	if isTemp {
		values[et.KeyProperties()[0].Name] = newKey
	}
	remapForeignKeys(et, values, remap)

	resident := m.findByKey(keyForValues(et, values))
	var e *Entity
	switch {
	case resident != nil && run.visited[resident]:
		return resident
	case resident != nil:
		e = resident
		run.visited[e] = true
		if !m.mergeInto(e, values, run.strategy) {
			return e
		}
		run.merged = append(run.merged, e)
	default:
		e = m.materialize(et, values)
		e.aspect.wasLoaded = false
		run.visited[e] = true
		run.attached = append(run.attached, e)
	}
	for k, v := range rec.Extras {
		e.extras[k] = v
	}
	a := e.aspect
	a.hasTempKey = isTemp
	a.setState(rec.State)
	if a.state.IsUnchangedOrModified() || a.state.IsDeleted() {
		restoreImportedOriginals(e, rec.OriginalValues)
	}
	return e
}

func keyForValues(et *metadata.EntityType, values map[string]any) EntityKey {
	props := et.KeyProperties()
	vals := make([]any, len(props))
	for i, p := range props {
		vals[i], _ = p.DataType.Coerce(values[p.Name])
	}
	return EntityKey{entityType: et, values: vals}
}

// remapForeignKeys rewrites single-part foreign keys that reference a
// remapped temporary key.
func remapForeignKeys(et *metadata.EntityType, values map[string]any, remap map[string]any) {
	if len(remap) == 0 {
		return
	}
	for _, fk := range et.ForeignKeyProperties() {
		var target *metadata.EntityType
		switch {
		case fk.RelatedNavigationProperty() != nil:
			target = fk.RelatedNavigationProperty().EntityType()
		case fk.InverseNavigationProperty() != nil:
			target = fk.InverseNavigationProperty().ParentType()
		}
		if target == nil || len(target.KeyProperties()) != 1 {
			continue
		}
		raw, ok := values[fk.Name]
		if !ok || raw == nil {
			continue
		}
		v, _ := target.KeyProperties()[0].DataType.Coerce(raw)
		h := EntityKey{entityType: target, values: []any{v}}.hash()
		if nv, ok := remap[h]; ok {
			values[fk.Name] = nv
		}
	}
}

func restoreImportedOriginals(e *Entity, originals map[string]any) {
	a := e.aspect
	a.clearOriginals()
	for path, raw := range originals {
		parts := strings.Split(path, ".")
		if len(parts) == 1 {
			if p := e.entityType.DataProperty(path); p != nil && !p.IsComplex() {
				a.originalValues[path], _ = p.DataType.Coerce(raw)
			}
			continue
		}
		co := e.complex[parts[0]]
		for _, name := range parts[1 : len(parts)-1] {
			if co == nil {
				break
			}
			co = co.complex[name]
		}
		if co == nil {
			continue
		}
		leaf := parts[len(parts)-1]
		if p := co.complexType.DataProperty(leaf); p != nil && !p.IsComplex() {
			co.aspect.originalValues[leaf], _ = p.DataType.Coerce(raw)
		}
	}
}
