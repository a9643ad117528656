package ranking

import (
	"context"
	"fmt"
	"feedsync/models"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// Bucket classifies how often a source posts, lower buckets post less often
type Bucket int

// Upper bounds, in entries per day, of each bucket: at most once a month,
// once a week, once a day, five times a day and twenty times a day
var thresholds = []float64{1.0 / 30, 1.0 / 7, 1, 5, 20}

// Unranked is given to sources without entries in the window, it sorts after every bucket
const Unranked = Bucket(6)

// BucketFor maps an entries per day rate to its bucket, thresholds are inclusive
func BucketFor(ratePerDay float64) Bucket {
	for i, limit := range thresholds {
		if ratePerDay <= limit {
			return Bucket(i)
		}
	}
	return Bucket(len(thresholds))
}

// Rate returns entries per day of a source created at created, as of asOf.
// The age is counted in whole days, at least one and at most the window.
func Rate(count int64, created, asOf time.Time, window time.Duration) float64 {
	windowDays := math.Max(1, math.Round(window.Hours()/24))
	ageDays := math.Round(asOf.Sub(created).Hours() / 24)
	days := math.Max(1, math.Min(windowDays, ageDays))
	return float64(count) / days
}

type ActivityStore interface {
	SourceActivity(ctx context.Context, userID int64, since, before time.Time) ([]models.SourceActivity, error)
}

// Ranker computes frequency buckets at query time
type Ranker struct {
	store ActivityStore
	// Window is how far back entries are counted
	Window time.Duration
}

func NewRanker(store ActivityStore, window time.Duration) *Ranker {
	return &Ranker{store: store, Window: window}
}

// FrequencyRanks buckets every source of a user as of asOf. Only entries
// ingested before asOf count, so the ranks of one browsing session stay put
// while new entries arrive. Sources missing from the map are Unranked.
func (r *Ranker) FrequencyRanks(ctx context.Context, userID int64, asOf time.Time) (map[int64]Bucket, error) {
	activity, err := r.store.SourceActivity(ctx, userID, asOf.Add(-r.Window), asOf)
	if err != nil {
		return nil, fmt.Errorf("load source activity: %w", err)
	}

	ranks := make(map[int64]Bucket, len(activity))
	for _, a := range activity {
		if a.EntryCount == 0 {
			continue
		}
		ranks[a.SourceId] = BucketFor(Rate(a.EntryCount, a.Created, asOf, r.Window))
	}

	log.WithFields(log.Fields{
		"user":    userID,
		"sources": len(activity),
		"ranked":  len(ranks),
	}).Debug("Computed frequency ranks")

	return ranks, nil
}
