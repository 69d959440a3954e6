package protocol

import "fmt"

// Kind is the single-character type tag carried in every header.
type Kind byte

const (
	KindIDRequest   Kind = 'I'
	KindIDAssign    Kind = 'i'
	KindEpochs      Kind = 'e'
	KindFile        Kind = 'f'
	KindStart       Kind = 's'
	KindWeightsUp   Kind = 'M'
	KindWeightsDown Kind = 'm'
	KindTimeout     Kind = 'z'
	KindDone        Kind = 'x'
)

var kindNames = map[Kind]string{
	KindIDRequest:   "ID_REQUEST",
	KindIDAssign:    "ID_ASSIGN",
	KindEpochs:      "EPOCHS",
	KindFile:        "FILE",
	KindStart:       "START",
	KindWeightsUp:   "WEIGHTS_UP",
	KindWeightsDown: "WEIGHTS_DOWN",
	KindTimeout:     "TIMEOUT",
	KindDone:        "DONE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%q)", byte(k))
}

// Valid reports whether k is one of the known tags.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// HasLayer reports whether headers of this kind carry a layer id byte.
func (k Kind) HasLayer() bool {
	return k == KindWeightsUp || k == KindWeightsDown
}

// Kinds lists every known kind in protocol order.
func Kinds() []Kind {
	return []Kind{
		KindIDRequest, KindIDAssign, KindEpochs, KindFile, KindStart,
		KindWeightsUp, KindWeightsDown, KindTimeout, KindDone,
	}
}
