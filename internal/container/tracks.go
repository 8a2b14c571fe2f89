package container

import (
	"fmt"

	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/vishalkuo/bimap"
)

// trackTable assigns container indices to track kinds in registration
// order and resolves them both ways.
type trackTable struct {
	byKind  *bimap.BiMap[media.Kind, int]
	formats []media.Format
}

func newTrackTable() *trackTable {
	return &trackTable{byKind: bimap.NewBiMap[media.Kind, int]()}
}

func (t *trackTable) add(format media.Format) (int, error) {
	if t.byKind.Exists(format.Kind) {
		return -1, fmt.Errorf("%s track already added", format.Kind)
	}
	idx := len(t.formats)
	t.byKind.Insert(format.Kind, idx)
	t.formats = append(t.formats, format)
	return idx, nil
}

func (t *trackTable) format(index int) (media.Format, error) {
	if index < 0 || index >= len(t.formats) {
		return media.Format{}, fmt.Errorf("%w: %d", ErrUnknownTrack, index)
	}
	return t.formats[index], nil
}
