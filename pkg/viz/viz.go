// Package viz renders section revision histories with graphviz.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/sectionsync/pkg/relay"
)

// RenderHistory writes an SVG with one node per revision, linked in order.
func RenderHistory(history []relay.Revision, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	var prev *cgraph.Node
	for i, rev := range history {
		n, err := graph.CreateNode(strconv.Itoa(rev.Number))
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetShape(cgraph.BoxShape)
		n.SetLabel(Label(rev))
		if prev != nil {
			if _, err := graph.CreateEdge(strconv.Itoa(i), prev, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
		prev = n
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// Label is the text shown for one revision.
func Label(rev relay.Revision) string {
	return fmt.Sprintf("r%d by %d %s", rev.Number, rev.Author, rev.Operation)
}

func RenderHistoryToSvg(history []relay.Revision, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderHistory(history, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func RenderToTemp(history []relay.Revision) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderHistoryToSvg(history, tf); err != nil {
		return "", err
	}
	return tf, nil
}
