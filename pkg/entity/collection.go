package entity

import (
	"fmt"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// NavigationCollection is the many side of an association. Its membership
// always mirrors the children's navigation and foreign key values: pushing a
// child points the child at the owner, removing it clears the child's side.
type NavigationCollection struct {
	parent *Entity
	nav    *metadata.NavigationProperty
	items  []*Entity

	arrayChanged Event[ArrayChangedArgs]
	batchDepth   int
	batch        ArrayChangedArgs
}

func newNavigationCollection(parent *Entity, np *metadata.NavigationProperty) *NavigationCollection {
	return &NavigationCollection{parent: parent, nav: np}
}

// Parent returns the owning entity.
func (c *NavigationCollection) Parent() *Entity { return c.parent }

// Navigation returns the collection navigation property.
func (c *NavigationCollection) Navigation() *metadata.NavigationProperty { return c.nav }

// ArrayChanged is published once per mutating call with the net membership diff.
func (c *NavigationCollection) ArrayChanged() *Event[ArrayChangedArgs] { return &c.arrayChanged }

// Len returns the number of members.
func (c *NavigationCollection) Len() int { return len(c.items) }

// At returns the member at i.
func (c *NavigationCollection) At(i int) *Entity { return c.items[i] }

// Items returns a copy of the members.
func (c *NavigationCollection) Items() []*Entity { return append([]*Entity(nil), c.items...) }

// Contains reports whether e is a member.
func (c *NavigationCollection) Contains(e *Entity) bool { return c.IndexOf(e) >= 0 }

// IndexOf returns the position of e, or -1.
func (c *NavigationCollection) IndexOf(e *Entity) int {
	for i, it := range c.items {
		if it == e {
			return i
		}
	}
	return -1
}

// Push adds children to the collection, attaching them to the owner's manager
// when needed and pointing their inverse navigation at the owner. Members
// already present are ignored.
func (c *NavigationCollection) Push(children ...*Entity) error {
	for _, child := range children {
		if err := c.checkMember(child); err != nil {
			return err
		}
	}
	c.beginBatch()
	defer c.endBatch()
	for _, child := range children {
		if err := c.push(child); err != nil {
			return err
		}
	}
	return nil
}

func (c *NavigationCollection) checkMember(child *Entity) error {
	if child == nil {
		return domain.NewError(domain.ErrTypeMismatch, c.parent.entityType.Name, c.nav.Name, "cannot add nil")
	}
	if !child.entityType.IsSubtypeOf(c.nav.EntityType()) {
		return domain.NewError(domain.ErrTypeMismatch, c.parent.entityType.Name, c.nav.Name,
			fmt.Sprintf("expected %s, got %s", c.nav.EntityType().Name, child.entityType.Name))
	}
	return nil
}

func (c *NavigationCollection) push(child *Entity) error {
	if c.Contains(child) {
		return nil
	}
	if inv := c.nav.Inverse(); inv != nil && child.joinsThrough(inv, c.parent) {
		if err := child.joinThrough(inv, c.parent, navWrite{updateFK: true, notify: true}); err != nil {
			return err
		}
		c.addRaw(child)
		return nil
	}
	if err := c.parent.attachPartner(child); err != nil {
		return err
	}
	if inv := c.nav.Inverse(); inv != nil {
		if err := child.checkForeignKeyCollision(inv, c.parent); err != nil {
			return err
		}
		child.setNavigationCore(inv, c.parent, navWrite{updateFK: true, notify: true})
		c.addRaw(child)
		return nil
	}
	key := c.parent.keyValues()
	for i, fk := range c.nav.InvDataProperties() {
		if err := child.setData(fk, key[i], true); err != nil {
			return err
		}
	}
	c.addRaw(child)
	return nil
}

// Remove takes child out of the collection and clears its side of the
// relationship. Foreign keys that are part of the child's key are kept.
func (c *NavigationCollection) Remove(child *Entity) bool {
	if !c.Contains(child) {
		return false
	}
	c.beginBatch()
	defer c.endBatch()
	c.remove(child)
	return true
}

func (c *NavigationCollection) remove(child *Entity) {
	if inv := c.nav.Inverse(); inv != nil {
		child.setNavigationCore(inv, nil, navWrite{updateFK: true, notify: true})
		c.removeRaw(child)
		return
	}
	c.removeRaw(child)
	if child.aspect.state.IsDeleted() {
		return
	}
	for _, fk := range c.nav.InvDataProperties() {
		if fk.IsPartOfKey {
			continue
		}
		if err := child.setData(fk, nil, true); err != nil {
			c.parent.aspect.logger().Warn("clear foreign key failed", "entity", child.String(), "property", fk.Name, "error", err)
		}
	}
}

// Splice removes deleteCount members starting at start and inserts adds in
// their place. It returns the removed members.
func (c *NavigationCollection) Splice(start, deleteCount int, adds ...*Entity) ([]*Entity, error) {
	for _, child := range adds {
		if err := c.checkMember(child); err != nil {
			return nil, err
		}
	}
	if start < 0 {
		start = 0
	}
	if start > len(c.items) {
		start = len(c.items)
	}
	if deleteCount < 0 {
		deleteCount = 0
	}
	if start+deleteCount > len(c.items) {
		deleteCount = len(c.items) - start
	}
	removed := append([]*Entity(nil), c.items[start:start+deleteCount]...)
	c.beginBatch()
	defer c.endBatch()
	for _, child := range removed {
		c.remove(child)
	}
	pos := start
	for _, child := range adds {
		if c.Contains(child) {
			continue
		}
		if err := c.push(child); err != nil {
			return removed, err
		}
		c.move(child, pos)
		pos++
	}
	return removed, nil
}

// Clear removes every member.
func (c *NavigationCollection) Clear() {
	if len(c.items) == 0 {
		return
	}
	c.beginBatch()
	defer c.endBatch()
	for _, child := range c.Items() {
		c.remove(child)
	}
}

func (c *NavigationCollection) move(child *Entity, pos int) {
	i := c.IndexOf(child)
	if i < 0 || i == pos || pos >= len(c.items) {
		return
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	c.items = append(c.items[:pos], append([]*Entity{child}, c.items[pos:]...)...)
}

// addRaw and removeRaw change membership only; the caller owns the other side.
func (c *NavigationCollection) addRaw(child *Entity) {
	if c.Contains(child) {
		return
	}
	c.items = append(c.items, child)
	c.record(child, true)
}

func (c *NavigationCollection) removeRaw(child *Entity) {
	i := c.IndexOf(child)
	if i < 0 {
		return
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	c.record(child, false)
}

// clearRaw empties the collection without touching the members.
func (c *NavigationCollection) clearRaw() {
	if len(c.items) == 0 {
		return
	}
	c.beginBatch()
	for _, child := range c.Items() {
		c.removeRaw(child)
	}
	c.endBatch()
}

func (c *NavigationCollection) record(child *Entity, added bool) {
	c.beginBatch()
	if added {
		if !dropEntity(&c.batch.Removed, child) {
			c.batch.Added = append(c.batch.Added, child)
		}
	} else if !dropEntity(&c.batch.Added, child) {
		c.batch.Removed = append(c.batch.Removed, child)
	}
	c.endBatch()
}

func (c *NavigationCollection) beginBatch() { c.batchDepth++ }

func (c *NavigationCollection) endBatch() {
	c.batchDepth--
	if c.batchDepth > 0 {
		return
	}
	args := c.batch
	c.batch = ArrayChangedArgs{}
	if len(args.Added) == 0 && len(args.Removed) == 0 {
		return
	}
	if m := c.parent.manager(); m != nil && m.quiet > 0 {
		return
	}
	args.Collection = c
	c.arrayChanged.Publish(args)
}

func dropEntity(list *[]*Entity, e *Entity) bool {
	for i, it := range *list {
		if it == e {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}
