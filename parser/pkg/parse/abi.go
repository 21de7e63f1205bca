package parse

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/polygonetl/chainparse/parser/pkg/definition"
)

// Signature returns the canonical form used for hashing, e.g.
// Transfer(address,address,uint256). Tuples are expanded to their
// components.
func Signature(e definition.ABIEntry) string {
	types := make([]string, len(e.Inputs))
	for i, in := range e.Inputs {
		types[i] = canonicalType(in)
	}
	return e.Name + "(" + strings.Join(types, ",") + ")"
}

func canonicalType(arg definition.ABIArgument) string {
	if rest, ok := strings.CutPrefix(arg.Type, "tuple"); ok {
		inner := make([]string, len(arg.Components))
		for i, c := range arg.Components {
			inner[i] = canonicalType(c)
		}
		return "(" + strings.Join(inner, ",") + ")" + rest
	}
	base, dims, found := strings.Cut(arg.Type, "[")
	if found {
		dims = "[" + dims
	}
	switch base {
	case "uint":
		base = "uint256"
	case "int":
		base = "int256"
	}
	return base + dims
}

func keccak256(s string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	return h.Sum(nil)
}

// EventTopic is topic0 of a non-anonymous event log.
func EventTopic(e definition.ABIEntry) string {
	return "0x" + hex.EncodeToString(keccak256(Signature(e)))
}

// FunctionSelector is the first four bytes of the call data of a function.
func FunctionSelector(e definition.ABIEntry) string {
	return "0x" + hex.EncodeToString(keccak256(Signature(e))[:4])
}

// headWords is the number of 32-byte words an argument occupies in the head
// of the ABI encoding.
func headWords(arg definition.ABIArgument) int {
	if isDynamic(arg) {
		return 1
	}
	base, dims := splitArray(arg.Type)
	n := 1
	if base == "tuple" {
		n = 0
		for _, c := range arg.Components {
			n += headWords(c)
		}
	}
	for _, d := range dims {
		n *= d
	}
	return n
}

func isDynamic(arg definition.ABIArgument) bool {
	base, dims := splitArray(arg.Type)
	for _, d := range dims {
		if d < 0 {
			return true
		}
	}
	switch base {
	case "string", "bytes":
		return true
	case "tuple":
		for _, c := range arg.Components {
			if isDynamic(c) {
				return true
			}
		}
	}
	return false
}

// splitArray splits "uint256[2][]" into "uint256" and [2, -1].
func splitArray(typ string) (string, []int) {
	i := strings.IndexByte(typ, '[')
	if i < 0 {
		return typ, nil
	}
	base, rest := typ[:i], typ[i:]
	var dims []int
	for rest != "" {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		inner := rest[1:end]
		if inner == "" {
			dims = append(dims, -1)
		} else if n, err := strconv.Atoi(inner); err == nil {
			dims = append(dims, n)
		}
		rest = rest[end+1:]
	}
	return base, dims
}

// decodeWord returns the expression that turns a 64 hex character word
// expression into the string stored for an argument of type typ.
func decodeWord(typ, word string) string {
	switch {
	case typ == "address":
		return fmt.Sprintf("concat('0x', substring(%s, 25, 40))", word)
	case typ == "bool":
		return fmt.Sprintf("if(substring(%s, 64, 1) = '1', 'true', 'false')", word)
	case strings.HasPrefix(typ, "uint") && !strings.Contains(typ, "["):
		return fmt.Sprintf("toString(reinterpretAsUInt256(reverse(unhex(%s))))", word)
	case strings.HasPrefix(typ, "int") && !strings.Contains(typ, "["):
		return fmt.Sprintf("toString(reinterpretAsInt256(reverse(unhex(%s))))", word)
	case strings.HasPrefix(typ, "bytes") && len(typ) > len("bytes") && !strings.Contains(typ, "["):
		if n, err := strconv.Atoi(typ[len("bytes"):]); err == nil && n > 0 && n <= 32 {
			return fmt.Sprintf("concat('0x', substring(%s, 1, %d))", word, 2*n)
		}
	}
	return fmt.Sprintf("concat('0x', %s)", word)
}
