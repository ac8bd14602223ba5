package sqlcapture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"
)

// CTID is the physical address of a row version: a block number within the
// relation and an item offset within the block.
type CTID struct {
	Block  uint32
	Offset uint16
}

// ZeroCTID sorts before the address of every row.
var ZeroCTID = CTID{}

func (c CTID) String() string {
	return fmt.Sprintf("(%d,%d)", c.Block, c.Offset)
}

// Compare returns -1, 0, or +1 as c sorts before, equal to, or after other.
func (c CTID) Compare(other CTID) int {
	switch {
	case c.Block < other.Block:
		return -1
	case c.Block > other.Block:
		return 1
	case c.Offset < other.Offset:
		return -1
	case c.Offset > other.Offset:
		return 1
	}
	return 0
}

// ParseCTID parses the text representation "(block,offset)" of a row address.
func ParseCTID(s string) (CTID, error) {
	var inner, ok = strings.CutPrefix(strings.TrimSpace(s), "(")
	if ok {
		inner, ok = strings.CutSuffix(inner, ")")
	}
	if !ok {
		return CTID{}, fmt.Errorf("invalid ctid %q", s)
	}
	var blockStr, offsetStr, found = strings.Cut(inner, ",")
	if !found {
		return CTID{}, fmt.Errorf("invalid ctid %q", s)
	}
	block, err := strconv.ParseUint(strings.TrimSpace(blockStr), 10, 32)
	if err != nil {
		return CTID{}, fmt.Errorf("invalid ctid block in %q: %w", s, err)
	}
	offset, err := strconv.ParseUint(strings.TrimSpace(offsetStr), 10, 16)
	if err != nil {
		return CTID{}, fmt.Errorf("invalid ctid offset in %q: %w", s, err)
	}
	return CTID{Block: uint32(block), Offset: uint16(offset)}, nil
}

func (c CTID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *CTID) UnmarshalJSON(bs []byte) error {
	var s string
	if err := json.Unmarshal(bs, &s); err != nil {
		return err
	}
	var parsed, err = ParseCTID(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
