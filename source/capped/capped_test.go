package capped

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/seedtray/tailcursor"
)

func insert(g *WithT, c *Collection, n int) {
	for i := 0; i < n; i++ {
		_, err := c.Insert([]byte(fmt.Sprint(i)))
		g.Expect(err).ToNot(HaveOccurred())
	}
}

func payloads(recs []tailcursor.Record) []string {
	var out []string
	for _, r := range recs {
		out = append(out, string(r.Payload))
	}
	return out
}

func TestCursorOnEmptyCollectionIsDead(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{})

	h, err := c.OpenTail(context.Background(), "")
	g.Expect(err).ToNot(HaveOccurred())
	recs, alive, err := h.Fetch(context.Background(), time.Second)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(alive).To(BeFalse())
	g.Expect(recs).To(BeEmpty())
}

func TestFetchInBatches(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{BatchSize: 2})
	insert(g, c, 5)

	h, err := c.OpenTail(context.Background(), "")
	g.Expect(err).ToNot(HaveOccurred())
	var got []string
	for len(got) < 5 {
		recs, alive, err := h.Fetch(context.Background(), 0)
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(alive).To(BeTrue())
		g.Expect(len(recs)).To(BeNumerically("<=", 2))
		got = append(got, payloads(recs)...)
	}
	g.Expect(got).To(Equal([]string{"0", "1", "2", "3", "4"}))

	recs, alive, err := h.Fetch(context.Background(), 0)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(alive).To(BeTrue())
	g.Expect(recs).To(BeEmpty())
}

func TestFetchWakesOnInsert(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{})
	insert(g, c, 1)
	h, err := c.OpenTail(context.Background(), "2")
	g.Expect(err).To(MatchError(tailcursor.ErrInvalidMarker))

	h, err = c.OpenTail(context.Background(), "")
	g.Expect(err).ToNot(HaveOccurred())
	_, _, err = h.Fetch(context.Background(), 0)
	g.Expect(err).ToNot(HaveOccurred())

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Insert([]byte("late"))
	}()
	start := time.Now()
	recs, alive, err := h.Fetch(context.Background(), 5*time.Second)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(alive).To(BeTrue())
	g.Expect(payloads(recs)).To(Equal([]string{"late"}))
	g.Expect(time.Since(start)).To(BeNumerically("<", time.Second))
}

func TestIdleCursorDies(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{IdleTimeout: 30 * time.Millisecond})
	insert(g, c, 1)

	h, err := c.OpenTail(context.Background(), "")
	g.Expect(err).ToNot(HaveOccurred())
	_, alive, _ := h.Fetch(context.Background(), 0)
	g.Expect(alive).To(BeTrue())

	start := time.Now()
	recs, alive, err := h.Fetch(context.Background(), time.Second)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(alive).To(BeFalse())
	g.Expect(recs).To(BeEmpty())
	g.Expect(time.Since(start)).To(BeNumerically("<", 500*time.Millisecond))
}

func TestMaxAwait(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{MaxAwait: 20 * time.Millisecond})
	insert(g, c, 1)
	h, err := c.OpenTail(context.Background(), "")
	g.Expect(err).ToNot(HaveOccurred())
	h.Fetch(context.Background(), 0)

	start := time.Now()
	_, alive, err := h.Fetch(context.Background(), 5*time.Second)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(alive).To(BeTrue())
	g.Expect(time.Since(start)).To(BeNumerically("<", time.Second))
}

func TestFetchHonoursContext(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{})
	insert(g, c, 1)
	h, err := c.OpenTail(context.Background(), "")
	g.Expect(err).ToNot(HaveOccurred())
	h.Fetch(context.Background(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = h.Fetch(ctx, 5*time.Second)
	g.Expect(err).To(MatchError(context.DeadlineExceeded))
}

func TestResumeAfterMarker(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{})
	insert(g, c, 4)

	h, err := c.OpenTail(context.Background(), "2")
	g.Expect(err).ToNot(HaveOccurred())
	recs, _, err := h.Fetch(context.Background(), 0)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(payloads(recs)).To(Equal([]string{"2", "3"}))
	g.Expect(recs[0].Marker).To(Equal(tailcursor.Marker("3")))

	// Resuming at the newest record is valid; there is just nothing yet.
	h, err = c.OpenTail(context.Background(), "4")
	g.Expect(err).ToNot(HaveOccurred())
	_, alive, _ := h.Fetch(context.Background(), 0)
	g.Expect(alive).To(BeFalse())
}

func TestOverwrittenPosition(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{Capacity: 2})
	insert(g, c, 2)

	h, err := c.OpenTail(context.Background(), "")
	g.Expect(err).ToNot(HaveOccurred())
	insert(g, c, 3)
	_, _, err = h.Fetch(context.Background(), 0)
	g.Expect(err).To(MatchError(tailcursor.ErrPositionLost))

	_, err = c.OpenTail(context.Background(), "2")
	g.Expect(err).To(MatchError(tailcursor.ErrPositionLost))
	h, err = c.OpenTail(context.Background(), "3")
	g.Expect(err).ToNot(HaveOccurred())
	recs, _, err := h.Fetch(context.Background(), 0)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(payloads(recs)).To(Equal([]string{"1", "2"}))
}

func TestMarkers(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{})
	g.Expect(c.CheckMarker("12")).To(Succeed())
	g.Expect(c.CheckMarker("0")).To(MatchError(tailcursor.ErrInvalidMarker))
	g.Expect(c.CheckMarker("x")).To(MatchError(tailcursor.ErrInvalidMarker))
	g.Expect(c.Less("9", "10")).To(BeTrue())
	g.Expect(c.Less("10", "9")).To(BeFalse())
}

func TestClosedCollection(t *testing.T) {
	g := NewGomegaWithT(t)
	c := New(Config{})
	insert(g, c, 1)
	h, err := c.OpenTail(context.Background(), "")
	g.Expect(err).ToNot(HaveOccurred())
	h.Fetch(context.Background(), 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Close()
	}()
	_, alive, err := h.Fetch(context.Background(), 5*time.Second)
	g.Expect(err).To(MatchError(tailcursor.ErrSourceUnavailable))
	g.Expect(alive).To(BeFalse())
	g.Expect(tailcursor.IsFatal(err)).To(BeFalse())

	_, err = c.OpenTail(context.Background(), "")
	g.Expect(err).To(MatchError(tailcursor.ErrSourceUnavailable))
	_, err = c.Insert(nil)
	g.Expect(err).To(MatchError(tailcursor.ErrSourceUnavailable))
}
