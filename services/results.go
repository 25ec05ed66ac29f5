package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"vehicle_arb/core"
	"vehicle_arb/identity"
	"vehicle_arb/models"
	"vehicle_arb/storage"
)

// ResultService persists one verdict per (run, study). Recording the same
// study twice within a run keeps the first row.
type ResultService struct {
	store storage.Store
}

func NewResultService(store storage.Store) *ResultService {
	return &ResultService{store: store}
}

// Record stores the analysis for a study and, for opportunities, its
// interesting listings as NEW candidates.
func (s *ResultService) Record(ctx context.Context, runID, studyID string, a models.StudyAnalysis) (*models.Result, error) {
	hash, err := core.DecisionHash(a)
	if err != nil {
		return nil, fmt.Errorf("decision hash: %w", err)
	}

	r := &models.Result{
		RunID:        runID,
		StudyID:      studyID,
		Status:       a.Status,
		ErrorReason:  a.Reason,
		DecisionHash: hash,
	}
	if opp := a.Opportunity; opp != nil {
		r.TargetMarketPrice = floatRef(opp.TargetMedian)
		r.BestSourcePrice = floatRef(opp.BestSourcePrice)
		r.PriceDifference = floatRef(opp.PriceDifference)
		stats, err := json.Marshal(opp.TargetStats)
		if err != nil {
			return nil, fmt.Errorf("encode target stats: %w", err)
		}
		r.TargetStats = stats
	}

	stored, err := s.insert(ctx, r)
	if err != nil || stored != r {
		return stored, err
	}

	if a.Status != models.ResultStatusOpportunities || a.Opportunity == nil {
		return r, nil
	}
	candidates := make([]models.CandidateListing, 0, len(a.Opportunity.InterestingListings))
	for _, pl := range a.Opportunity.InterestingListings {
		candidates = append(candidates, models.CandidateListing{
			ResultID:    r.ID,
			ListingURL:  pl.Listing.URL,
			Title:       pl.Listing.Title,
			Price:       pl.Listing.Price,
			PriceEUR:    pl.PriceEUR,
			Mileage:     pl.Listing.Mileage,
			Year:        pl.Listing.Year,
			Trim:        pl.Listing.Trim,
			Fingerprint: identity.Fingerprint(pl.Listing),
			Status:      models.CandidateStatusNew,
		})
	}
	if _, err := s.store.InsertCandidates(ctx, candidates); err != nil {
		return r, fmt.Errorf("insert candidates: %w", err)
	}
	return r, nil
}

// RecordBlocked stores a BLOCKED verdict for a study whose fetch never
// produced a usable page.
func (s *ResultService) RecordBlocked(ctx context.Context, runID, studyID, reason string) (*models.Result, error) {
	return s.insert(ctx, &models.Result{
		RunID:       runID,
		StudyID:     studyID,
		Status:      models.ResultStatusBlocked,
		ErrorReason: reason,
	})
}

// insert returns r itself when it was written, or the row already stored
// for the same (run, study).
func (s *ResultService) insert(ctx context.Context, r *models.Result) (*models.Result, error) {
	err := s.store.InsertResult(ctx, r)
	if errors.Is(err, storage.ErrDuplicate) {
		log.Printf("result for run %s study %s already recorded, keeping first", r.RunID, r.StudyID)
		return s.store.GetResult(ctx, r.RunID, r.StudyID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert result: %w", err)
	}
	return r, nil
}

func floatRef(v float64) *float64 {
	return &v
}
