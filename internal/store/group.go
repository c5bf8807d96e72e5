package store

import "github.com/omochice/tiny-chat/pkg/protocol"

// Group is a main message with the children attached to it, in arrival
// order.
type Group struct {
	Main     protocol.Message
	Children []protocol.Message
}

// ID returns the id of the group's main message.
func (g Group) ID() string {
	return g.Main.MessageID()
}

// View partitions a buffer into groups. Children whose parent is not in the
// buffer are kept in Orphans.
type View struct {
	Groups  []Group
	Orphans []protocol.Message
}

// Group returns the group anchored at the main message with the given id.
func (v View) Group(id string) (Group, bool) {
	for _, g := range v.Groups {
		if g.ID() == id {
			return g, true
		}
	}
	return Group{}, false
}

// Groups derives the grouping view of the current buffer.
func (s *Store) Groups() View {
	return BuildView(s.Messages())
}

// BuildView partitions messages into groups. Main messages start groups in
// arrival order; each child joins the group of its parent even when it
// arrived before the parent.
func BuildView(messages []protocol.Message) View {
	var v View
	byID := make(map[string]int)

	for _, m := range messages {
		if m.Kind().IsChild() {
			continue
		}
		if _, dup := byID[m.MessageID()]; !dup {
			byID[m.MessageID()] = len(v.Groups)
		}
		v.Groups = append(v.Groups, Group{Main: m})
	}

	for _, m := range messages {
		parent, ok := protocol.ParentID(m)
		if !ok {
			continue
		}
		i, found := byID[parent]
		if !found {
			v.Orphans = append(v.Orphans, m)
			continue
		}
		v.Groups[i].Children = append(v.Groups[i].Children, m)
	}
	return v
}
