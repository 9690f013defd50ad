package envelope

import (
	"fmt"
	"strings"
)

// Category is the wire discriminant of an envelope.
type Category uint8

const (
	CategoryAccountUpdate     Category = 1
	CategoryTransactionNotify Category = 2
	CategorySlotStatus        Category = 3

	// CategoryBackfillRequest asks the chain source to replay history onto
	// the backfill routing keys.
	CategoryBackfillRequest Category = 0xF0
	// CategoryBackfillComplete is the end-of-backfill sentinel.
	CategoryBackfillComplete Category = 0xFE
)

var categoryNames = map[Category]string{
	CategoryAccountUpdate:     "account_update",
	CategoryTransactionNotify: "transaction_notify",
	CategorySlotStatus:        "slot_status",
	CategoryBackfillRequest:   "backfill_request",
	CategoryBackfillComplete:  "backfill_complete",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// Known reports whether this build understands the discriminant.
func (c Category) Known() bool {
	_, ok := categoryNames[c]
	return ok
}

// Control reports whether the category is a stream control message rather
// than chain data.
func (c Category) Control() bool {
	return c == CategoryBackfillRequest || c == CategoryBackfillComplete
}

// AppendOnly reports whether envelopes of this category are insert-if-absent
// rows rather than latest-state rows.
func (c Category) AppendOnly() bool {
	return c == CategoryTransactionNotify || c == CategorySlotStatus
}

// DataCategories lists the chain data categories in tag order.
func DataCategories() []Category {
	return []Category{CategoryAccountUpdate, CategoryTransactionNotify, CategorySlotStatus}
}

// ParseCategory accepts a category name such as "account_update".
func ParseCategory(s string) (Category, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for c, n := range categoryNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// ParseCategories parses a list of names, dropping duplicates. An empty list
// yields every data category.
func ParseCategories(names []string) ([]Category, error) {
	if len(names) == 0 {
		return DataCategories(), nil
	}
	seen := make(map[Category]struct{}, len(names))
	out := make([]Category, 0, len(names))
	for _, n := range names {
		c, err := ParseCategory(n)
		if err != nil {
			return nil, err
		}
		if c.Control() {
			return nil, fmt.Errorf("category %q is a control category", n)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}
