package indexer

import (
	"bytes"
	"encoding/binary"
)

// Key layout inside an index environment:
//
//	m/meta                 index metadata (primary key, timestamps)
//	m/settings             full settings
//	m/applied              sequence and outcome of the last committed update
//	d/<id>                 document JSON
//	f/<id>                 terms indexed for the document
//	t/<term>\x00<id>       term frequency
var (
	keyMeta     = []byte("m/meta")
	keySettings = []byte("m/settings")
	keyApplied  = []byte("m/applied")

	prefixDoc     = []byte("d/")
	prefixForward = []byte("f/")
	prefixTerm    = []byte("t/")
)

func docKey(id string) []byte {
	return append(append([]byte{}, prefixDoc...), id...)
}

func forwardKey(id string) []byte {
	return append(append([]byte{}, prefixForward...), id...)
}

func termPrefix(term string) []byte {
	k := append(append([]byte{}, prefixTerm...), term...)
	return append(k, 0)
}

func termKey(term, id string) []byte {
	return append(termPrefix(term), id...)
}

func idFromTermKey(key []byte) string {
	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return ""
	}
	return string(key[i+1:])
}

func encodeFreq(n int) []byte {
	return binary.AppendUvarint(nil, uint64(n))
}

func decodeFreq(b []byte) int {
	n, _ := binary.Uvarint(b)
	return int(n)
}
