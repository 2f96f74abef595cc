package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/huntworks/puzzup-sync/internal/discord"
	"github.com/huntworks/puzzup-sync/internal/status"
)

// TextChannelMirror is the persisted read model of one remote text
// channel. It is written both by the gateway listener and by the sync
// engine after a successful create/update; the remote platform is the
// source of truth and the last writer wins.
type TextChannelMirror struct {
	ID         string
	Name       string
	Topic      string
	Position   int
	CategoryID string
	Overwrites []discord.Overwrite
	UpdatedAt  time.Time
}

// CategoryMirror is the persisted read model of one status category.
// Status and StatusIndex are derived from the category name; both are zero
// values for categories this system does not manage.
type CategoryMirror struct {
	ID          string
	Name        string
	Position    int
	Status      status.Status
	StatusIndex int
	UpdatedAt   time.Time
}

// CategoryWithCount pairs a category with its current direct child count,
// used for capacity checks during placement.
type CategoryWithCount struct {
	CategoryMirror
	ChannelCount int
}

// CategoryCapacity is Discord's limit on direct children per category.
const CategoryCapacity = 50

// CategoryName composes the name for the i-th category of a status:
// "<prefix><display name>" for index 0, then "<prefix><display name>-1",
// "-2", and so on.
func CategoryName(prefix string, st status.Status, index int) string {
	name := prefix + status.Display(st)
	if index > 0 {
		name = fmt.Sprintf("%s-%d", name, index)
	}
	return name
}

var categorySuffixRe = regexp.MustCompile(`^(.*?)-(\d+)$`)

// ParseCategoryName recovers (status, index) from a category name created
// by CategoryName. ok is false for names that do not match any status
// display name, i.e. categories not managed by this system.
func ParseCategoryName(prefix, name string) (st status.Status, index int, ok bool) {
	if !strings.HasPrefix(name, prefix) {
		return "", 0, false
	}
	name = strings.TrimPrefix(name, prefix)

	if st = status.ByDisplay(name); st != "" {
		return st, 0, true
	}
	m := categorySuffixRe.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	if st = status.ByDisplay(m[1]); st == "" {
		return "", 0, false
	}
	index, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return st, index, true
}
