package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedSampleData creates two demo patients through the normal create
// path and returns their ids.
func (s *Service) SeedSampleData(ctx context.Context) ([]uuid.UUID, error) {
	now := s.now()
	followUp := now.AddDate(0, 0, 30)
	age30, age28 := 30, 28

	samples := []struct {
		patient   PatientInput
		treatment TreatmentInput
	}{
		{
			patient: PatientInput{Name: "John Doe", Phone: "123-456-7890", Age: &age30, Gender: "Male"},
			treatment: TreatmentInput{
				EntryDate:     now,
				Diagnosis:     "Routine Cleaning",
				TreatmentPlan: "Professional cleaning and fluoride treatment",
				ToothNumber:   "All",
				TotalAmount:   decimal.NewFromInt(150),
				AmountPaid:    decimal.NewFromInt(150),
				FollowUpDate:  &followUp,
			},
		},
		{
			patient: PatientInput{Name: "Jane Smith", Phone: "098-765-4321", Age: &age28, Gender: "Female"},
			treatment: TreatmentInput{
				EntryDate:     now,
				Diagnosis:     "Cavity Filling",
				TreatmentPlan: "Composite filling for tooth #14",
				ToothNumber:   "14",
				TotalAmount:   decimal.NewFromInt(200),
				AmountPaid:    decimal.NewFromInt(100),
			},
		},
	}

	ids := make([]uuid.UUID, 0, len(samples))
	for _, sample := range samples {
		id, err := s.CreatePatientWithFirstTreatment(ctx, sample.patient, sample.treatment)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
