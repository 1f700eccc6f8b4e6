package tailcursor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/seedtray/tailcursor"
	"github.com/seedtray/tailcursor/source/capped"
	"github.com/seedtray/tailcursor/source/flaky"
)

// unit scales the writer's pauses; the cursor idle timeout is 4.5 units so
// the 5 unit pause always kills the cursor mid-stream.
const unit = 50 * time.Millisecond

var pauses = []int{0, 1, 0, 1, 0, 5, 0, 0}

func expected() []string {
	var out []string
	for i := range pauses {
		out = append(out, fmt.Sprintf(`{"_id":%d}`, i))
	}
	return out
}

func insertWithPauses(coll *capped.Collection) <-chan error {
	done := make(chan error, 1)
	go func() {
		for i, p := range pauses {
			time.Sleep(time.Duration(p) * unit)
			if _, err := coll.Insert([]byte(fmt.Sprintf(`{"_id":%d}`, i))); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

func sessionDeadline() time.Time {
	var total int
	for _, p := range pauses {
		total += p
	}
	return time.Now().Add(time.Duration(total+10) * unit)
}

func reopens(g *WithT, reg *prometheus.Registry, reason string) float64 {
	families, err := reg.Gather()
	g.Expect(err).ToNot(HaveOccurred())
	var n float64
	for _, f := range families {
		if f.GetName() != "tailcursor_reopens_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					n += m.GetCounter().GetValue()
				}
			}
		}
	}
	return n
}

func tailAll(g *WithT, src tailcursor.Source, opts tailcursor.Options) []string {
	sess, err := tailcursor.Open(context.Background(), src, "", opts)
	g.Expect(err).ToNot(HaveOccurred())
	defer sess.Close()

	var got []string
	for len(got) < len(pauses) {
		rec, err := sess.Pull(context.Background(), time.Now().Add(unit))
		if err == tailcursor.ErrExhausted {
			break
		}
		g.Expect(err).ToNot(HaveOccurred())
		if rec != nil {
			got = append(got, string(rec.Payload))
		}
	}
	return got
}

func TestTailSurvivesIdleCursorDeath(t *testing.T) {
	g := NewGomegaWithT(t)
	coll := capped.New(capped.Config{Capacity: 1000, IdleTimeout: 9 * unit / 2})
	reg := prometheus.NewRegistry()
	opts := tailcursor.Options{
		Metrics:  tailcursor.NewMetrics(reg),
		Deadline: sessionDeadline(),
		PollWait: unit,
	}

	// The session opens on an empty collection, so its first cursor is dead.
	sess, err := tailcursor.Open(context.Background(), coll, "", opts)
	g.Expect(err).ToNot(HaveOccurred())
	done := insertWithPauses(coll)

	var got []string
	var beforeLongPause float64
	for len(got) < len(pauses) {
		rec, err := sess.Pull(context.Background(), time.Now().Add(unit))
		if err == tailcursor.ErrExhausted {
			break
		}
		g.Expect(err).ToNot(HaveOccurred())
		if rec != nil {
			got = append(got, string(rec.Payload))
			if len(got) == 5 {
				beforeLongPause = reopens(g, reg, "dead")
			}
		}
	}
	g.Expect(sess.Close()).To(Succeed())
	g.Expect(<-done).To(Succeed())
	g.Expect(got).To(Equal(expected()))
	g.Expect(sess.Marker()).To(Equal(tailcursor.Marker("8")))
	// The pause before the sixth insert outlives the idle timeout, so the
	// live cursor dies and must be replaced.
	g.Expect(reopens(g, reg, "dead")).To(BeNumerically(">", beforeLongPause))
}

func TestTailSurvivesTransportErrors(t *testing.T) {
	g := NewGomegaWithT(t)
	coll := capped.New(capped.Config{Capacity: 1000, IdleTimeout: 9 * unit / 2})
	src := flaky.New(coll, flaky.Config{OpenEvery: 3, FetchEvery: 4})
	opts := tailcursor.Options{
		Deadline: sessionDeadline(),
		PollWait: unit,
		MinRetry: 5 * time.Millisecond,
		MaxRetry: 20 * time.Millisecond,
	}

	done := insertWithPauses(coll)
	got := tailAll(g, src, opts)
	g.Expect(<-done).To(Succeed())
	g.Expect(got).To(Equal(expected()))
	opens, fetches := src.Injected()
	g.Expect(opens + fetches).To(BeNumerically(">", 0))
}

func TestTailResumesFromMarker(t *testing.T) {
	g := NewGomegaWithT(t)
	coll := capped.New(capped.Config{})
	for i := 0; i < 5; i++ {
		_, err := coll.Insert([]byte(fmt.Sprint(i)))
		g.Expect(err).ToNot(HaveOccurred())
	}

	first, err := tailcursor.Open(context.Background(), coll, "", tailcursor.Options{})
	g.Expect(err).ToNot(HaveOccurred())
	for i := 0; i < 2; i++ {
		rec, err := first.Pull(context.Background(), time.Now().Add(unit))
		g.Expect(err).ToNot(HaveOccurred())
		g.Expect(rec).ToNot(BeNil())
	}
	g.Expect(first.Close()).To(Succeed())

	second, err := tailcursor.Open(context.Background(), coll, first.Marker(), tailcursor.Options{})
	g.Expect(err).ToNot(HaveOccurred())
	defer second.Close()
	rec, err := second.Pull(context.Background(), time.Now().Add(unit))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(string(rec.Payload)).To(Equal("2"))
}

func TestTailLostPositionIsFatal(t *testing.T) {
	g := NewGomegaWithT(t)
	coll := capped.New(capped.Config{Capacity: 2})
	for i := 0; i < 5; i++ {
		_, err := coll.Insert([]byte(fmt.Sprint(i)))
		g.Expect(err).ToNot(HaveOccurred())
	}
	_, err := tailcursor.Open(context.Background(), coll, "1", tailcursor.Options{})
	g.Expect(err).To(MatchError(tailcursor.ErrPositionLost))
	g.Expect(tailcursor.IsFatal(err)).To(BeTrue())
}
