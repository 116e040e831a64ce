package writepath

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/model"
)

// fakeProcs records every procedure call and keeps a tiny in-memory
// store so repeated writes behave like the real procedures.
type fakeProcs struct {
	mu     sync.Mutex
	calls  []string
	states map[string]*CoffeeState // roasterID/platformProductID
	nextID int64

	failWith error  // when set, matching calls fail with this
	failOn   string // empty means every call
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{states: map[string]*CoffeeState{}, nextID: 100}
}

func (f *fakeProcs) key(roasterID int64, pid string) string {
	return fmt.Sprintf("%d/%s", roasterID, pid)
}

func (f *fakeProcs) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeProcs) failFor(call string) error {
	if f.failWith != nil && (f.failOn == "" || f.failOn == call) {
		return f.failWith
	}
	return nil
}

func (f *fakeProcs) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeProcs) GetCoffeeState(ctx context.Context, roasterID int64, pid string) (*CoffeeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get_coffee_state")
	if err := f.failFor("get_coffee_state"); err != nil {
		return nil, err
	}
	s, ok := f.states[f.key(roasterID, pid)]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.Variants = append([]VariantState{}, s.Variants...)
	return &cp, nil
}

func (f *fakeProcs) UpsertCoffee(ctx context.Context, np *model.NormalizedProduct) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("upsert_coffee")
	if err := f.failFor("upsert_coffee"); err != nil {
		return 0, err
	}
	k := f.key(np.RoasterID, np.PlatformProductID)
	s, ok := f.states[k]
	if !ok {
		f.nextID++
		s = &CoffeeState{CoffeeID: f.nextID}
		f.states[k] = s
	}
	s.ContentHash = np.ContentHash
	s.RawPayloadHash = np.RawPayloadHash
	return s.CoffeeID, nil
}

func (f *fakeProcs) UpsertVariant(ctx context.Context, coffeeID int64, v *model.NormalizedVariant) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("upsert_variant")
	if err := f.failFor("upsert_variant"); err != nil {
		return 0, err
	}
	for _, s := range f.states {
		if s.CoffeeID != coffeeID {
			continue
		}
		for _, sv := range s.Variants {
			if sv.PlatformVariantID == v.PlatformVariantID {
				return sv.VariantID, nil
			}
		}
		f.nextID++
		s.Variants = append(s.Variants, VariantState{
			VariantID:         f.nextID,
			PlatformVariantID: v.PlatformVariantID,
			PriceCurrent:      v.Price,
			Currency:          v.Currency,
			InStock:           v.InStock,
		})
		return f.nextID, nil
	}
	return 0, fmt.Errorf("unknown coffee %d", coffeeID)
}

func (f *fakeProcs) InsertPrice(ctx context.Context, p *model.PricePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("insert_price:%d:%.2f", p.VariantID, p.Price))
	if err := f.failFor("insert_price"); err != nil {
		return err
	}
	for _, s := range f.states {
		for i := range s.Variants {
			if s.Variants[i].VariantID == p.VariantID {
				s.Variants[i].PriceCurrent = p.Price
			}
		}
	}
	return nil
}

func (f *fakeProcs) UpsertImage(ctx context.Context, img *model.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("upsert_image")
	return f.failFor("upsert_image")
}

func (f *fakeProcs) SetProcessingStatus(ctx context.Context, coffeeID int64, status model.ProcessingStatus, warnings []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set_processing_status:" + string(status))
	return nil
}

func (f *fakeProcs) TouchVariants(ctx context.Context, coffeeID int64, checkedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("touch_variants")
	return f.failFor("touch_variants")
}

func (f *fakeProcs) LookupImageHash(ctx context.Context, hash string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("lookup_image_hash")
	return "", false, nil
}

type fakeImages struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeImages) ProcessProductImages(ctx context.Context, coffeeID int64, refs []model.ImageRef) ([]model.Image, error) {
	if model.IsPriceOnly(ctx) {
		return nil, ErrPriceOnlyViolation
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([]model.Image, 0, len(refs))
	for _, r := range refs {
		out = append(out, model.Image{CoffeeID: coffeeID, SourceURL: r.URL, CDNURL: "https://cdn.example/x", ContentHash: "h", SortOrder: r.SortOrder})
	}
	return out, nil
}

var ErrPriceOnlyViolation = fmt.Errorf("image work during price-only run")

func writeRoaster() *model.Roaster {
	return &model.Roaster{ID: 1, Hostname: "beans.example"}
}

func normalizedCoffee() *model.NormalizedProduct {
	return &model.NormalizedProduct{
		RoasterID:         1,
		PlatformProductID: "11",
		SourceURL:         "https://beans.example/products/eth",
		IsCoffee:          true,
		NameClean:         "Ethiopia Yirgacheffe",
		RoastLevel:        model.RoastMedium,
		Process:           model.ProcessWashed,
		ContentHash:       "hash-v1",
		RawPayloadHash:    "raw-v1",
		Status:            model.StatusOk,
		Variants: []model.NormalizedVariant{
			{PlatformVariantID: "110", Price: 499, Currency: "INR", InStock: true, WeightG: 250, Grind: model.GrindWhole},
		},
		Images: []model.ImageRef{{URL: "https://beans.example/eth.jpg", SortOrder: 1}},
	}
}

func newTestWriter(procs ProcClient, imgs ImageProcessor) *Writer {
	return NewWriter(procs, imgs, NewBackpressure(), nil)
}

func TestWriteProduct_FirstSight(t *testing.T) {
	procs := newFakeProcs()
	imgs := &fakeImages{}
	w := newTestWriter(procs, imgs)

	out, err := w.WriteProduct(context.Background(), writeRoaster(), normalizedCoffee(), time.Now().UTC())

	require.NoError(t, err)
	assert.Equal(t, model.StatusOk, out.Status)
	assert.Equal(t, 1, procs.count("upsert_coffee"))
	assert.Equal(t, 1, procs.count("upsert_variant"))
	assert.Equal(t, 1, procs.count("insert_price"))
	assert.Equal(t, 1, procs.count("upsert_image"))
	assert.Equal(t, 1, imgs.calls)
	assert.Equal(t, 1, out.PricesInserted)
}

func TestWriteProduct_RetryIsIdempotent(t *testing.T) {
	// Replaying the same normalized product leaves exactly the state
	// of a single application: no duplicate prices, no extra images.
	procs := newFakeProcs()
	imgs := &fakeImages{}
	w := newTestWriter(procs, imgs)
	ctx := context.Background()

	_, err := w.WriteProduct(ctx, writeRoaster(), normalizedCoffee(), time.Now().UTC())
	require.NoError(t, err)
	_, err = w.WriteProduct(ctx, writeRoaster(), normalizedCoffee(), time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 1, procs.count("upsert_coffee"), "second pass takes the price path")
	assert.Equal(t, 1, procs.count("insert_price"), "unchanged price is not re-inserted")
	assert.Equal(t, 1, procs.count("upsert_image"))
}

func TestWriteProduct_UnchangedHashNeverWritesMetadata(t *testing.T) {
	procs := newFakeProcs()
	imgs := &fakeImages{}
	w := newTestWriter(procs, imgs)
	ctx := context.Background()

	_, err := w.WriteProduct(ctx, writeRoaster(), normalizedCoffee(), time.Now().UTC())
	require.NoError(t, err)

	// Same hash, changed price: price path only.
	np := normalizedCoffee()
	np.Variants[0].Price = 549
	out, err := w.WriteProduct(ctx, writeRoaster(), np, time.Now().UTC())

	require.NoError(t, err)
	assert.Equal(t, 1, out.PricesInserted)
	assert.False(t, out.MetadataWrite)
	assert.Equal(t, 1, procs.count("upsert_coffee"))
	assert.Equal(t, 1, procs.count("upsert_image"))
	assert.Equal(t, 1, imgs.calls)
}

func TestWriteProduct_ChangedHashTakesFullPath(t *testing.T) {
	procs := newFakeProcs()
	w := newTestWriter(procs, &fakeImages{})
	ctx := context.Background()

	_, err := w.WriteProduct(ctx, writeRoaster(), normalizedCoffee(), time.Now().UTC())
	require.NoError(t, err)

	np := normalizedCoffee()
	np.NameClean = "Ethiopia Yirgacheffe Lot 2"
	np.ContentHash = "hash-v2"
	out, err := w.WriteProduct(ctx, writeRoaster(), np, time.Now().UTC())

	require.NoError(t, err)
	assert.True(t, out.MetadataWrite)
	assert.Equal(t, 2, procs.count("upsert_coffee"))
}

func TestWriteProduct_NonCoffeeIsNotPersisted(t *testing.T) {
	procs := newFakeProcs()
	w := newTestWriter(procs, &fakeImages{})

	np := normalizedCoffee()
	np.IsCoffee = false
	out, err := w.WriteProduct(context.Background(), writeRoaster(), np, time.Now().UTC())

	require.NoError(t, err)
	assert.Equal(t, model.StatusOk, out.Status)
	assert.Empty(t, procs.calls)
}

func TestWritePriceListing_NoChange(t *testing.T) {
	procs := newFakeProcs()
	w := newTestWriter(procs, &fakeImages{})
	ctx := context.Background()

	_, err := w.WriteProduct(ctx, writeRoaster(), normalizedCoffee(), time.Now().UTC())
	require.NoError(t, err)
	before := procs.count("insert_price")

	out, err := w.WritePriceListing(ctx, writeRoaster(), &model.PriceListing{
		PlatformProductID: "11",
		Variants:          []model.VariantPrice{{PlatformVariantID: "110", Price: 499, Currency: "INR", InStock: true}},
	}, time.Now().UTC())

	require.NoError(t, err)
	assert.Zero(t, out.PricesInserted)
	assert.Equal(t, before, procs.count("insert_price"))
	assert.Equal(t, 1, procs.count("touch_variants"), "stamps still refresh")
	assert.Equal(t, 1, procs.count("upsert_coffee"), "no metadata writes")
	assert.Equal(t, 1, procs.count("upsert_image"))
}

func TestWritePriceListing_PriceChangeAndSpike(t *testing.T) {
	procs := newFakeProcs()
	var spikes []float64
	w := NewWriter(procs, &fakeImages{}, NewBackpressure(), func(r *model.Roaster, variantID int64, oldP, newP float64) {
		spikes = append(spikes, newP)
	})
	ctx := context.Background()

	_, err := w.WriteProduct(ctx, writeRoaster(), normalizedCoffee(), time.Now().UTC())
	require.NoError(t, err)

	// 499 -> 549 is a 10.02% move, at the default 10% threshold.
	out, err := w.WritePriceListing(ctx, writeRoaster(), &model.PriceListing{
		PlatformProductID: "11",
		Variants:          []model.VariantPrice{{PlatformVariantID: "110", Price: 549, Currency: "INR", InStock: true}},
	}, time.Now().UTC())

	require.NoError(t, err)
	assert.Equal(t, 1, out.PricesInserted)
	require.Len(t, spikes, 1)
	assert.Equal(t, 549.0, spikes[0])

	state, _ := procs.GetCoffeeState(ctx, 1, "11")
	assert.Equal(t, 549.0, state.Variants[0].PriceCurrent, "priceCurrent follows the newest insert")
	assert.Equal(t, 1, procs.count("upsert_coffee"), "no new metadata writes")
}

func TestWritePriceListing_UnknownProductSkipped(t *testing.T) {
	procs := newFakeProcs()
	w := newTestWriter(procs, &fakeImages{})

	out, err := w.WritePriceListing(context.Background(), writeRoaster(), &model.PriceListing{
		PlatformProductID: "nope",
		Variants:          []model.VariantPrice{{PlatformVariantID: "x", Price: 100}},
	}, time.Now().UTC())

	require.NoError(t, err)
	assert.Zero(t, out.PricesInserted)
	assert.Zero(t, procs.count("insert_price"))
	assert.Zero(t, procs.count("upsert_coffee"))
}

func TestWriteProduct_VariantCountDeltaForcesReview(t *testing.T) {
	procs := newFakeProcs()
	w := newTestWriter(procs, &fakeImages{})
	ctx := context.Background()

	_, err := w.WriteProduct(ctx, writeRoaster(), normalizedCoffee(), time.Now().UTC())
	require.NoError(t, err)

	np := normalizedCoffee()
	np.ContentHash = "hash-v2"
	for i := 0; i < 4; i++ {
		np.Variants = append(np.Variants, model.NormalizedVariant{
			PlatformVariantID: fmt.Sprintf("90%d", i), Price: 100, Currency: "INR", InStock: true,
		})
	}
	out, err := w.WriteProduct(ctx, writeRoaster(), np, time.Now().UTC())

	require.NoError(t, err)
	assert.Equal(t, model.StatusReview, out.Status)
	assert.Equal(t, 1, procs.count("set_processing_status:review"))
}

func TestWriteProduct_PersistentErrorQuarantines(t *testing.T) {
	procs := newFakeProcs()
	w := newTestWriter(procs, &fakeImages{})
	ctx := context.Background()

	_, err := w.WriteProduct(ctx, writeRoaster(), normalizedCoffee(), time.Now().UTC())
	require.NoError(t, err)

	procs.failWith = errs.E(errs.KindWritePersistent, "writepath.upsert_variant", fmt.Errorf("bad data"))
	procs.failOn = "upsert_variant"
	np := normalizedCoffee()
	np.ContentHash = "hash-v2"

	out, err := w.WriteProduct(ctx, writeRoaster(), np, time.Now().UTC())

	require.NoError(t, err, "persistent product failure does not fail the run")
	assert.Equal(t, model.StatusReview, out.Status)
}

func TestWriteProduct_RateLimitFeedsBackpressure(t *testing.T) {
	procs := newFakeProcs()
	procs.failWith = errs.E(errs.KindWriteRateLimit, "writepath.get_coffee_state", fmt.Errorf("53200"))
	procs.failOn = "get_coffee_state"
	bp := NewBackpressure()
	w := NewWriter(procs, &fakeImages{}, bp, nil)

	for i := 0; i < 5; i++ {
		_, err := w.WriteProduct(context.Background(), writeRoaster(), normalizedCoffee(), time.Now().UTC())
		require.Error(t, err)
	}
	assert.Greater(t, bp.CooldownRemaining(), time.Duration(0))
}

func TestBackpressure_CooldownCountedOncePerTrip(t *testing.T) {
	bp := NewBackpressure()
	before := testutil.ToFloat64(metrics.BackpressureCooldowns)

	// Below the trip threshold nothing is armed or counted.
	bp.RecordSuccess()
	bp.RecordSuccess()
	bp.RecordRateLimit()
	assert.Equal(t, before, testutil.ToFloat64(metrics.BackpressureCooldowns))

	// Arming counts once; observing the cooldown does not.
	bp.RecordRateLimit()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BackpressureCooldowns))
	bp.CooldownRemaining()
	bp.CooldownRemaining()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BackpressureCooldowns))

	// Each extension counts once more.
	bp.RecordRateLimit()
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.BackpressureCooldowns))
}
