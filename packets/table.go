package packets

import (
	"github.com/omuhub/broker/identifier"
	"github.com/omuhub/broker/packet"
	"github.com/omuhub/broker/wire"
)

func tablePacket(name string) identifier.Identifier {
	return identifier.MustNew("ext", "table", name)
}

// TableConfig is the per-table configuration a session may set.
type TableConfig struct {
	CacheSize int `json:"cache_size,omitempty"`
}

// TableIDPayload names a table by identifier only, used by LISTEN,
// PROXY_LISTEN, CLEAR and the FETCH_ALL/SIZE endpoint requests.
type TableIDPayload struct {
	ID identifier.Identifier `json:"id"`
}

// TableConfigPayload sets a table's config.
type TableConfigPayload struct {
	ID     identifier.Identifier `json:"id"`
	Config TableConfig           `json:"config"`
}

// TableBindPermissionPayload restricts read access to a table.
type TableBindPermissionPayload struct {
	ID         identifier.Identifier `json:"id"`
	Permission identifier.Identifier `json:"permission"`
}

// TableItem is one keyed row, kept as an ordered pair rather than a map
// entry so add-order and fetch-order survive encoding: Go map iteration
// (and encoding/json's key-sorted marshaling) would otherwise scramble it.
type TableItem struct {
	Key   string
	Value []byte
}

// TableItemsPayload carries an ordered batch of keyed items: the ADD/UPDATE
// request, and the ITEM_GET/FETCH/FETCH_ALL endpoint response.
type TableItemsPayload struct {
	ID    identifier.Identifier
	Items []TableItem
}

// TableItemKeysPayload carries a list of bare keys, used by REMOVE and as
// the ITEM_GET endpoint request.
type TableItemKeysPayload struct {
	ID   identifier.Identifier `json:"id"`
	Keys []string              `json:"keys"`
}

// TableFetchPayload is the windowed-fetch endpoint's request: before/after
// are optional page sizes, cursor is an optional key to page from.
type TableFetchPayload struct {
	ID     identifier.Identifier `json:"id"`
	Before int                   `json:"before,omitempty"`
	After  int                   `json:"after,omitempty"`
	Cursor string                `json:"cursor,omitempty"`
}

// TableSizePayload is the SIZE endpoint's response.
type TableSizePayload struct {
	Size int `json:"size"`
}

// TableProxyPayload is sent to each registered proxy in turn, and carries
// the proxy's (possibly transformed) reply back.
type TableProxyPayload struct {
	ID    identifier.Identifier
	Key   uint32
	Items []TableItem
}

// TableCacheUpdatePayload is sent to listeners whenever a table's cache
// changes.
type TableCacheUpdatePayload struct {
	ID    identifier.Identifier
	Cache []TableItem
}

func writeTableItems(w *wire.Writer, items []TableItem) {
	w.WriteU32(uint32(len(items)))
	for _, it := range items {
		w.WriteString(it.Key)
		w.WriteBytes(it.Value)
	}
}

func readTableItems(r *wire.Reader) ([]TableItem, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	items := make([]TableItem, 0, n)
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		value, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		items = append(items, TableItem{Key: key, Value: value})
	}
	return items, nil
}

// TableItemsCodec is the ordered binary wire format shared by the ADD/UPDATE
// packets and the ITEM_GET/FETCH/FETCH_ALL endpoint payloads: id, then an
// item count, then each key/value pair in order. Mirrors the original
// client's TableItemsSerielizer.
var TableItemsCodec = packet.WireCodec[TableItemsPayload]{
	EncodeFn: func(w *wire.Writer, v TableItemsPayload) error {
		w.WriteString(v.ID.Key())
		writeTableItems(w, v.Items)
		return nil
	},
	DecodeFn: func(r *wire.Reader) (TableItemsPayload, error) {
		idKey, err := r.ReadString()
		if err != nil {
			return TableItemsPayload{}, err
		}
		id, err := identifier.Parse(idKey)
		if err != nil {
			return TableItemsPayload{}, err
		}
		items, err := readTableItems(r)
		if err != nil {
			return TableItemsPayload{}, err
		}
		return TableItemsPayload{ID: id, Items: items}, nil
	},
}

var tableProxyCodec = packet.WireCodec[TableProxyPayload]{
	EncodeFn: func(w *wire.Writer, v TableProxyPayload) error {
		w.WriteString(v.ID.Key())
		w.WriteU32(v.Key)
		writeTableItems(w, v.Items)
		return nil
	},
	DecodeFn: func(r *wire.Reader) (TableProxyPayload, error) {
		idKey, err := r.ReadString()
		if err != nil {
			return TableProxyPayload{}, err
		}
		id, err := identifier.Parse(idKey)
		if err != nil {
			return TableProxyPayload{}, err
		}
		key, err := r.ReadU32()
		if err != nil {
			return TableProxyPayload{}, err
		}
		items, err := readTableItems(r)
		if err != nil {
			return TableProxyPayload{}, err
		}
		return TableProxyPayload{ID: id, Key: key, Items: items}, nil
	},
}

var tableCacheUpdateCodec = packet.WireCodec[TableCacheUpdatePayload]{
	EncodeFn: func(w *wire.Writer, v TableCacheUpdatePayload) error {
		w.WriteString(v.ID.Key())
		writeTableItems(w, v.Cache)
		return nil
	},
	DecodeFn: func(r *wire.Reader) (TableCacheUpdatePayload, error) {
		idKey, err := r.ReadString()
		if err != nil {
			return TableCacheUpdatePayload{}, err
		}
		id, err := identifier.Parse(idKey)
		if err != nil {
			return TableCacheUpdatePayload{}, err
		}
		cache, err := readTableItems(r)
		if err != nil {
			return TableCacheUpdatePayload{}, err
		}
		return TableCacheUpdatePayload{ID: id, Cache: cache}, nil
	},
}

var (
	TableListen         = packet.NewType(tablePacket("listen"), packet.JSONCodec[TableIDPayload]{})
	TableProxyListen    = packet.NewType(tablePacket("proxy_listen"), packet.JSONCodec[TableIDPayload]{})
	TableConfigSet      = packet.NewType(tablePacket("config"), packet.JSONCodec[TableConfigPayload]{})
	TableBindPermission = packet.NewType(tablePacket("bind_permission"), packet.JSONCodec[TableBindPermissionPayload]{})
	TableItemAdd        = packet.NewType(tablePacket("item_add"), TableItemsCodec)
	TableItemUpdate     = packet.NewType(tablePacket("item_update"), TableItemsCodec)
	TableItemRemove     = packet.NewType(tablePacket("item_remove"), packet.JSONCodec[TableItemKeysPayload]{})
	TableItemClear      = packet.NewType(tablePacket("item_clear"), packet.JSONCodec[TableIDPayload]{})
	TableProxy          = packet.NewType(tablePacket("proxy"), tableProxyCodec)
	TableCacheUpdate    = packet.NewType(tablePacket("cache_update"), tableCacheUpdateCodec)

	// The remaining four table operations are Endpoints (spec.md's
	// ENDPOINT_CALL/ENDPOINT_RECEIVE/ENDPOINT_ERROR envelope), not standalone
	// dispatcher packets: these identifiers are bound via
	// ext/endpoint.Extension.BindLocal in the composition root, and their
	// request/response bytes travel as the envelope's opaque Data field.
	TableItemGetEndpoint  = tablePacket("item_get")
	TableFetchEndpoint    = tablePacket("fetch")
	TableFetchAllEndpoint = tablePacket("fetch_all")
	TableSizeEndpoint     = tablePacket("size")
)

// RegisterTable registers the table-extension packet types into m. The
// four table endpoints are not dispatcher packets, so they have no entry
// here; see TableItemGetEndpoint et al.
func RegisterTable(m *packet.Mapper) {
	packet.Register(m, TableListen)
	packet.Register(m, TableProxyListen)
	packet.Register(m, TableConfigSet)
	packet.Register(m, TableBindPermission)
	packet.Register(m, TableItemAdd)
	packet.Register(m, TableItemUpdate)
	packet.Register(m, TableItemRemove)
	packet.Register(m, TableItemClear)
	packet.Register(m, TableProxy)
	packet.Register(m, TableCacheUpdate)
}
