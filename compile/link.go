package compile

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const placeholderLen = 40

// Placeholder returns the 40 character placeholder solc >= 0.5 writes for a
// library: __$ followed by the first 34 hex characters of the keccak256 of
// its fully qualified name, followed by $__.
func Placeholder(fullyQualifiedName string) string {
	h := crypto.Keccak256Hash([]byte(fullyQualifiedName)).Hex()[2:]
	return "__$" + h[:34] + "$__"
}

// LegacyPlaceholder returns the placeholder older solc versions write: the
// name, truncated to 36 characters, padded with underscores between leading
// and trailing double underscores.
func LegacyPlaceholder(name string) string {
	if len(name) > placeholderLen-4 {
		name = name[:placeholderLen-4]
	}
	p := "__" + name
	return p + strings.Repeat("_", placeholderLen-len(p))
}

// Link substitutes library addresses into bin. Libraries are keyed by fully
// qualified name (source:Name) or by bare name. Placeholders of both solc
// styles are replaced. It is an error if bin still has placeholders after
// linking.
func Link(bin string, libraries map[string]common.Address) (string, error) {
	for name, addr := range libraries {
		hexAddr := strings.ToLower(addr.Hex()[2:])
		bare := name
		if i := strings.LastIndex(name, ":"); i >= 0 {
			bare = name[i+1:]
		}
		for _, p := range []string{
			Placeholder(name),
			LegacyPlaceholder(name),
			LegacyPlaceholder(bare),
		} {
			bin = strings.ReplaceAll(bin, p, hexAddr)
		}
	}
	if i := strings.Index(bin, "__"); i >= 0 {
		end := i + placeholderLen
		if end > len(bin) {
			end = len(bin)
		}
		return "", fmt.Errorf("linking: unresolved library placeholder %s", bin[i:end])
	}
	return bin, nil
}
