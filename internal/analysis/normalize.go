package analysis

import (
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	textracttypes "github.com/aws/aws-sdk-go-v2/service/textract/types"
)

// normalize converts the engine's raw block graph into canonical text lines,
// tables, and key-value pairs, and returns the aggregate confidence (mean of
// per-line confidences, 0..1). Lines below minConfidence are flagged, never
// discarded.
func normalize(raw []textracttypes.Block, minConfidence float64) ([]TextBlock, []Table, []KeyValuePair, float64) {
	byID := make(map[string]textracttypes.Block, len(raw))
	for _, b := range raw {
		byID[aws.ToString(b.Id)] = b
	}

	var lines []TextBlock
	var tables []Table
	var fields []KeyValuePair
	var confidenceSum float64

	for _, b := range raw {
		switch b.BlockType {
		case textracttypes.BlockTypeLine:
			conf := scaleConfidence(b.Confidence)
			confidenceSum += conf
			lines = append(lines, TextBlock{
				Text:          aws.ToString(b.Text),
				Page:          aws.ToInt32(b.Page),
				Confidence:    conf,
				LowConfidence: conf < minConfidence,
			})

		case textracttypes.BlockTypeTable:
			tables = append(tables, normalizeTable(b, byID))

		case textracttypes.BlockTypeKeyValueSet:
			if isKeyBlock(b) {
				fields = append(fields, normalizeField(b, byID))
			}
		}
	}

	aggregate := 0.0
	if len(lines) > 0 {
		aggregate = confidenceSum / float64(len(lines))
	}

	return lines, tables, fields, aggregate
}

// normalizeTable resolves a TABLE block's CHILD cells into a dense row-major
// grid. Missing cells stay empty strings.
func normalizeTable(table textracttypes.Block, byID map[string]textracttypes.Block) Table {
	type cell struct {
		row, col int32
		text     string
	}

	var cells []cell
	var maxRow, maxCol int32

	for _, id := range childIDs(table) {
		b, ok := byID[id]
		if !ok || b.BlockType != textracttypes.BlockTypeCell {
			continue
		}
		c := cell{
			row:  aws.ToInt32(b.RowIndex),
			col:  aws.ToInt32(b.ColumnIndex),
			text: childText(b, byID),
		}
		if c.row > maxRow {
			maxRow = c.row
		}
		if c.col > maxCol {
			maxCol = c.col
		}
		cells = append(cells, c)
	}

	rows := make([][]string, maxRow)
	for i := range rows {
		rows[i] = make([]string, maxCol)
	}
	// Indices are 1-based in the engine output.
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].row != cells[j].row {
			return cells[i].row < cells[j].row
		}
		return cells[i].col < cells[j].col
	})
	for _, c := range cells {
		if c.row >= 1 && c.col >= 1 {
			rows[c.row-1][c.col-1] = c.text
		}
	}

	return Table{
		Page:       aws.ToInt32(table.Page),
		Rows:       rows,
		Confidence: scaleConfidence(table.Confidence),
	}
}

// normalizeField resolves a KEY block to its text and follows the VALUE
// relationship to the paired value block.
func normalizeField(key textracttypes.Block, byID map[string]textracttypes.Block) KeyValuePair {
	pair := KeyValuePair{
		Key:        childText(key, byID),
		Confidence: scaleConfidence(key.Confidence),
	}

	for _, rel := range key.Relationships {
		if rel.Type != textracttypes.RelationshipTypeValue {
			continue
		}
		for _, id := range rel.Ids {
			if value, ok := byID[id]; ok {
				pair.Value = childText(value, byID)
			}
		}
	}
	return pair
}

// childText joins the WORD children of a block in document order.
func childText(b textracttypes.Block, byID map[string]textracttypes.Block) string {
	var words []string
	for _, id := range childIDs(b) {
		child, ok := byID[id]
		if !ok {
			continue
		}
		if child.BlockType == textracttypes.BlockTypeWord {
			words = append(words, aws.ToString(child.Text))
		}
	}
	return strings.Join(words, " ")
}

func childIDs(b textracttypes.Block) []string {
	var ids []string
	for _, rel := range b.Relationships {
		if rel.Type == textracttypes.RelationshipTypeChild {
			ids = append(ids, rel.Ids...)
		}
	}
	return ids
}

func isKeyBlock(b textracttypes.Block) bool {
	for _, et := range b.EntityTypes {
		if et == textracttypes.EntityTypeKey {
			return true
		}
	}
	return false
}

// scaleConfidence maps the engine's 0..100 confidence to 0..1.
func scaleConfidence(c *float32) float64 {
	return float64(aws.ToFloat32(c)) / 100.0
}
