package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"carepro-cli/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	eligibility string
	eligErr     error
	reqs        []models.CategoryRequirements
	reqErr      error
	certs       []models.Certificate
	certErr     error
}

func (f *fakeAPI) GetEligibility(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(f.eligibility), f.eligErr
}

func (f *fakeAPI) GetServiceRequirements(context.Context) ([]models.CategoryRequirements, error) {
	return f.reqs, f.reqErr
}

func (f *fakeAPI) GetCertificates(context.Context, string) ([]models.Certificate, error) {
	return f.certs, f.certErr
}

const arrayPayload = `[
	{"serviceCategory":"MedicalSupport","isEligible":true,"assessmentPassed":true,"certificatesVerified":true,"missingCertificates":[]},
	{"serviceCategory":"PalliativeCare","isEligible":false,"assessmentPassed":true,"missingCertificates":["CPR","RN"]},
	{"serviceCategory":"PostSurgeryCare","isEligible":false,"missingCertificates":["CPR"]}
]`

func TestDecodeRecords_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
		wantErr bool
	}{
		{name: "array", payload: arrayPayload, want: []string{"MedicalSupport", "PalliativeCare", "PostSurgeryCare"}},
		{
			name:    "object map",
			payload: `{"PalliativeCare":{"isEligible":false},"MedicalSupport":{"isEligible":true}}`,
			want:    []string{"MedicalSupport", "PalliativeCare"},
		},
		{
			name:    "wrapped categories",
			payload: `{"categories":[{"serviceCategory":"SpecialNeedsCare","isEligible":true}]}`,
			want:    []string{"SpecialNeedsCare"},
		},
		{name: "null", payload: `null`, want: nil},
		{name: "empty", payload: ``, want: nil},
		{name: "scalar", payload: `42`, wantErr: true},
		{name: "broken array", payload: `[{"isEligible":"yes"}]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := DecodeRecords(json.RawMessage(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			var got []string
			for _, r := range records {
				got = append(got, r.ServiceCategory)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_MergesAndFilters(t *testing.T) {
	api := &fakeAPI{
		eligibility: arrayPayload,
		reqs:        []models.CategoryRequirements{{ServiceCategory: "MedicalSupport", PassingScore: 75}},
		certs:       []models.Certificate{{ID: "c1", CertificateType: "CPR"}},
	}
	view, err := NewAggregator(api, nil).Load(context.Background(), "cg-1")
	require.NoError(t, err)

	assert.Len(t, view.Filter(FilterAll), 3)
	assert.Len(t, view.Filter(FilterEligible), 1)
	assert.Len(t, view.Filter(FilterPending), 2)
	assert.Equal(t, 1, view.EligibleCount())
	assert.Empty(t, view.Warnings)

	req, ok := view.Requirement("MedicalSupport")
	require.True(t, ok)
	assert.Equal(t, 75.0, req.PassingScore)

	rec, ok := view.Record("PalliativeCare")
	require.True(t, ok)
	assert.Equal(t, []string{"CPR", "RN"}, rec.MissingCertificates)
}

func TestLoad_EligibilityFailureFailsWholeLoad(t *testing.T) {
	api := &fakeAPI{
		eligErr: errors.New("boom"),
		reqs:    []models.CategoryRequirements{{ServiceCategory: "MedicalSupport"}},
	}
	view, err := NewAggregator(api, nil).Load(context.Background(), "cg-1")
	assert.Error(t, err)
	assert.Nil(t, view)
}

func TestLoad_OptionalFailuresBecomeWarnings(t *testing.T) {
	api := &fakeAPI{
		eligibility: arrayPayload,
		reqErr:      errors.New("requirements down"),
		certErr:     errors.New("certificates down"),
	}
	view, err := NewAggregator(api, nil).Load(context.Background(), "cg-1")
	require.NoError(t, err)

	assert.Empty(t, view.Requirements)
	assert.Empty(t, view.Certificates)
	require.Len(t, view.Warnings, 2)
	assert.Contains(t, view.Warnings[0], "certificates")
	assert.Contains(t, view.Warnings[1], "service requirements")
}

func TestMarkCertificateUploaded(t *testing.T) {
	view, err := NewAggregator(&fakeAPI{eligibility: arrayPayload}, nil).Load(context.Background(), "cg-1")
	require.NoError(t, err)

	view.MarkCertificateUploaded("PalliativeCare", "CPR")
	rec, _ := view.Record("PalliativeCare")
	assert.Equal(t, []string{"RN"}, rec.MissingCertificates)
	assert.False(t, rec.IsEligible)

	other, _ := view.Record("PostSurgeryCare")
	assert.Equal(t, []string{"CPR"}, other.MissingCertificates)

	view.MarkCertificateUploaded("", "CPR")
	other, _ = view.Record("PostSurgeryCare")
	assert.Empty(t, other.MissingCertificates)
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, f)

	f, err = ParseFilter("pending")
	require.NoError(t, err)
	assert.Equal(t, FilterPending, f)

	_, err = ParseFilter("done")
	assert.Error(t, err)
}
