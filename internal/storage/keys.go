package storage

import "encoding/binary"

// Key space layout:
//
//	node/<id big-endian uint64>  -> JSON snapshot record
//	meta/default                 -> 8-byte BE snapshot id
//	meta/prev_default            -> 8-byte BE snapshot id
//	meta/next_id                 -> 8-byte BE counter (next id to allocate)
//
// Big-endian node keys make prefix iteration yield ids in ascending order.
var (
	nodePrefix     = []byte("node/")
	keyDefault     = []byte("meta/default")
	keyPrevDefault = []byte("meta/prev_default")
	keyNextID      = []byte("meta/next_id")
)

// nodeKey builds the key for a snapshot record.
func nodeKey(id uint64) []byte {
	key := make([]byte, len(nodePrefix)+8)
	copy(key, nodePrefix)
	binary.BigEndian.PutUint64(key[len(nodePrefix):], id)
	return key
}

// nodeKeyID extracts the snapshot id from a node key.
func nodeKeyID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(nodePrefix):])
}

// encodeID encodes a snapshot id as an 8-byte value.
func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// decodeID decodes an 8-byte value into a snapshot id.
func decodeID(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}
