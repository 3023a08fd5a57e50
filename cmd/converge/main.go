package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/astromechza/sectionsync/pkg/ot"
	"github.com/astromechza/sectionsync/pkg/relay"
	"github.com/astromechza/sectionsync/pkg/section"
)

// work out how concurrent edits settle when clients and the relay exchange them in memory
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type upstream struct {
	from     *peer
	revision int
	op       *ot.Operation
}

type network struct {
	server   *relay.Section
	upstream []upstream
	peers    []*peer
}

type peer struct {
	name       string
	id         int64
	nw         *network
	client     *section.Client
	downstream []func() error
}

func (p *peer) SendOperation(_ string, revision int, op *ot.Operation) error {
	p.nw.upstream = append(p.nw.upstream, upstream{from: p, revision: revision, op: op})
	return nil
}

func (nw *network) addPeer(name string) *peer {
	p := &peer{name: name, id: int64(len(nw.peers) + 1), nw: nw}
	p.client = section.NewClient(nw.server.ID(), nw.server.Revision(), nw.server.Text(), p, nil)
	nw.peers = append(nw.peers, p)
	return p
}

func (p *peer) edit(changes ...ot.Change) error {
	op, err := ot.FromChanges(p.client.Text(), changes...)
	if err != nil {
		return err
	}
	slog.Info("local edit", "peer", p.name, "op", op.String(), "state", p.client.State().String())
	return p.client.ApplyLocal(op)
}

// sync delivers every queued message until the network is quiet
func (nw *network) sync() error {
	hadMessages := true
	for hadMessages {
		hadMessages = false

		for len(nw.upstream) > 0 {
			m := nw.upstream[0]
			nw.upstream = nw.upstream[1:]
			hadMessages = true
			applied, base, err := nw.server.Receive(m.from.id, m.revision, m.op)
			if err != nil {
				return err
			}
			slog.Info("relay applied", "from", m.from.name, "base", base, "op", applied.String(), "text", nw.server.Text())
			for _, p := range nw.peers {
				p := p
				if p == m.from {
					p.downstream = append(p.downstream, p.client.ServerAck)
				} else {
					p.downstream = append(p.downstream, func() error { return p.client.ApplyServer(applied) })
				}
			}
		}

		for _, p := range nw.peers {
			for len(p.downstream) > 0 {
				next := p.downstream[0]
				p.downstream = p.downstream[1:]
				hadMessages = true
				if err := next(); err != nil {
					return fmt.Errorf("peer %s: %w", p.name, err)
				}
			}
		}
	}
	return nil
}

func mainInner() error {
	seedVar := flag.Int64("seed", 1, "seed for the random edits")
	roundsVar := flag.Int("rounds", 5, "rounds of random concurrent edits after the scripted ones")
	flag.Parse()

	nw := &network{server: relay.NewSection("intro", 0, "hello world", 0)}
	alice := nw.addPeer("alice")
	bob := nw.addPeer("bob")

	// both edit the same base text before anything is delivered
	if err := alice.edit(ot.Change{From: 0, To: 0, Text: "Hey, "}); err != nil {
		return err
	}
	if err := bob.edit(ot.Change{From: 6, To: 11, Text: "there"}); err != nil {
		return err
	}
	if err := alice.edit(ot.Change{From: 16, To: 16, Text: "!"}); err != nil {
		return err
	}
	if err := nw.sync(); err != nil {
		return err
	}
	slog.Info("synced", "alice", alice.client.Text(), "bob", bob.client.Text(), "relay", nw.server.Text())

	rng := rand.New(rand.NewSource(*seedVar))
	for round := 0; round < *roundsVar; round++ {
		for _, p := range nw.peers {
			n := ot.Len(p.client.Text())
			from := rng.Intn(n + 1)
			to := from + rng.Intn(min(3, n-from)+1)
			if err := p.edit(ot.Change{From: from, To: to, Text: fmt.Sprintf("<%s%d>", p.name[:1], round)}); err != nil {
				return err
			}
		}
		if err := nw.sync(); err != nil {
			return err
		}
		slog.Info("synced", "round", round, "revision", nw.server.Revision(), "text", nw.server.Text())
	}

	for _, p := range nw.peers {
		if p.client.Text() != nw.server.Text() {
			return fmt.Errorf("peer %s diverged: %q != %q", p.name, p.client.Text(), nw.server.Text())
		}
	}
	slog.Info("converged", "revision", nw.server.Revision(), "text", nw.server.Text())
	return nil
}
