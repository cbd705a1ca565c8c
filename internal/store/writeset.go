package store

// WriteKind tells how a buffered transactional write is applied.
type WriteKind int

const (
	WritePut WriteKind = iota + 1
	WriteMerge
	WriteDelete
)

// Write is the collapsed effect of a transaction on one document.
type Write struct {
	Kind WriteKind
	Key  Key
	// Item is the replacement document of a WritePut.
	Item Item
	// Fields holds merged fields: the whole update of a WriteMerge, or
	// fields layered over the Item of a WritePut.
	Fields map[string]any
}

// WriteSet buffers the writes of one transaction, keeping at most one
// entry per document in first-touch order. DynamoDB rejects two operations
// on the same item within a transaction, so every backend commits from the
// collapsed set.
type WriteSet struct {
	order []Key
	byKey map[Key]*Write
}

func (ws *WriteSet) slot(key Key) *Write {
	if ws.byKey == nil {
		ws.byKey = make(map[Key]*Write)
	}
	w, ok := ws.byKey[key]
	if !ok {
		w = &Write{Key: key}
		ws.byKey[key] = w
		ws.order = append(ws.order, key)
	}
	return w
}

// Put buffers a full replacement of item.Key.
func (ws *WriteSet) Put(item Item) {
	w := ws.slot(item.Key)
	w.Kind = WritePut
	w.Item = item
	w.Fields = nil
}

// Merge buffers fields to upsert into key. A merge after a delete in the
// same transaction recreates the document from the merged fields alone.
func (ws *WriteSet) Merge(key Key, fields map[string]any) {
	w := ws.slot(key)
	switch w.Kind {
	case WritePut, WriteMerge:
	case WriteDelete:
		w.Kind = WritePut
		w.Item = Item{Key: key, Value: map[string]any{}}
		w.Fields = nil
	default:
		w.Kind = WriteMerge
	}
	if w.Fields == nil {
		w.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		w.Fields[k] = v
	}
}

// Delete buffers removal of key.
func (ws *WriteSet) Delete(key Key) {
	w := ws.slot(key)
	w.Kind = WriteDelete
	w.Item = Item{}
	w.Fields = nil
}

// Writes returns the buffered writes in first-touch order.
func (ws *WriteSet) Writes() []*Write {
	out := make([]*Write, 0, len(ws.order))
	for _, k := range ws.order {
		out = append(out, ws.byKey[k])
	}
	return out
}

// Len reports the number of documents touched.
func (ws *WriteSet) Len() int {
	return len(ws.order)
}
