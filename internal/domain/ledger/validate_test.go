package ledger

import (
	"errors"
	"strings"
	"testing"
)

func validTreatment() TreatmentInput {
	return TreatmentInput{Diagnosis: "Cavity Filling", TotalAmount: d("200"), AmountPaid: d("50")}
}

func TestValidatePatientInput(t *testing.T) {
	age := 30
	badAge := -1
	tests := []struct {
		name      string
		in        PatientInput
		wantField string
	}{
		{"valid", PatientInput{Name: " Jane ", Phone: "555", Age: &age, Gender: "Female"}, ""},
		{"blank name", PatientInput{Name: "   ", Phone: "555"}, "name"},
		{"missing phone", PatientInput{Name: "Jane"}, "phone"},
		{"negative age", PatientInput{Name: "Jane", Phone: "555", Age: &badAge}, "age"},
		{"unknown gender", PatientInput{Name: "Jane", Phone: "555", Gender: "X"}, "gender"},
		{"long name", PatientInput{Name: strings.Repeat("a", 201), Phone: "555"}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			err := ValidatePatientInput(&in)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", verr.Field, tt.wantField)
			}
			if !IsValidation(err) {
				t.Error("expected IsValidation to match")
			}
		})
	}
}

func TestValidatePatientInput_Trims(t *testing.T) {
	in := PatientInput{Name: "  Jane Smith ", Phone: " 098-765 "}
	if err := ValidatePatientInput(&in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Name != "Jane Smith" || in.Phone != "098-765" {
		t.Errorf("expected trimmed fields, got %q %q", in.Name, in.Phone)
	}
}

func TestValidateTreatmentInput(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*TreatmentInput)
		wantField string
	}{
		{"valid", func(*TreatmentInput) {}, ""},
		{"fully paid", func(in *TreatmentInput) { in.AmountPaid = in.TotalAmount }, ""},
		{"blank diagnosis", func(in *TreatmentInput) { in.Diagnosis = " " }, "diagnosis"},
		{"zero total", func(in *TreatmentInput) { in.TotalAmount = d("0") }, "total_amount"},
		{"negative total", func(in *TreatmentInput) { in.TotalAmount = d("-5") }, "total_amount"},
		{"three decimals", func(in *TreatmentInput) { in.TotalAmount = d("10.001") }, "total_amount"},
		{"negative paid", func(in *TreatmentInput) { in.AmountPaid = d("-1") }, "amount_paid"},
		{"paid above total", func(in *TreatmentInput) { in.AmountPaid = d("200.01") }, "amount_paid"},
		{"paid three decimals", func(in *TreatmentInput) { in.AmountPaid = d("1.005") }, "amount_paid"},
		{"largest storable total", func(in *TreatmentInput) { in.TotalAmount = d("9999999999.99") }, ""},
		{"total too large", func(in *TreatmentInput) { in.TotalAmount = d("10000000000") }, "total_amount"},
		{"paid too large", func(in *TreatmentInput) { in.AmountPaid = d("10000000000") }, "amount_paid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validTreatment()
			tt.mutate(&in)
			err := ValidateTreatmentInput(&in)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("field = %q, want %q (%v)", verr.Field, tt.wantField, err)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	nf := notFound("patient", validID)
	if !IsNotFound(nf) || IsValidation(nf) {
		t.Error("not found error misclassified")
	}
	be := backendErr("op", errors.New("connection reset"))
	if !errors.Is(be, ErrBackend) {
		t.Error("expected unknown errors to become backend errors")
	}
	if backendErr("op", nf) != nf {
		t.Error("domain errors should pass through unchanged")
	}
	if backendErr("op", nil) != nil {
		t.Error("nil should stay nil")
	}
	if !IsRetryable(ErrTransactionConflict) || IsRetryable(nf) {
		t.Error("only conflicts are retryable")
	}
}
