package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dreamgate/internal/models"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestVitalsClassifier_AllNullSnapshot(t *testing.T) {
	c := NewVitalsSourceClassifier()

	result := c.Classify(&models.VitalsSnapshot{Timestamp: time.Now()}, nil)

	assert.Equal(t, models.StageUnknown, result.Stage)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestVitalsClassifier_NilSnapshot(t *testing.T) {
	c := NewVitalsSourceClassifier()

	result := c.Classify(nil, nil)

	assert.Equal(t, models.StageUnknown, result.Stage)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestVitalsClassifier_MissingFieldsReduceConfidence(t *testing.T) {
	c := NewVitalsSourceClassifier()

	full := c.Classify(&models.VitalsSnapshot{
		HeartRate: intPtr(62),
		HRV:       floatPtr(40),
		Timestamp: time.Now(),
	}, nil)
	hrOnly := c.Classify(&models.VitalsSnapshot{
		HeartRate: intPtr(62),
		Timestamp: time.Now(),
	}, nil)

	assert.Equal(t, vitalsBaseConfidence, full.Confidence)
	assert.Equal(t, vitalsBaseConfidence/2, hrOnly.Confidence)
}

func TestVitalsClassifier_RespiratoryOnlyIsUnknown(t *testing.T) {
	c := NewVitalsSourceClassifier()

	result := c.Classify(&models.VitalsSnapshot{
		RespiratoryRate: floatPtr(14),
		Timestamp:       time.Now(),
	}, nil)

	assert.Equal(t, models.StageUnknown, result.Stage)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestVitalsClassifier_StaticThresholds(t *testing.T) {
	c := NewVitalsSourceClassifier()

	tests := []struct {
		name string
		hr   int
		want models.SleepStage
	}{
		{"elevated hr is awake", 85, models.StageAwake},
		{"low hr is deep", 50, models.StageDeep},
		{"mid hr is light", 65, models.StageLight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := c.Classify(&models.VitalsSnapshot{HeartRate: intPtr(tt.hr), Timestamp: time.Now()}, nil)
			assert.Equal(t, tt.want, result.Stage)
		})
	}
}

func TestVitalsClassifier_ProfileLookup(t *testing.T) {
	c := NewVitalsSourceClassifier()
	model := &models.LearnedModel{
		StageProfiles: map[models.SleepStage]models.StageProfile{
			models.StageAwake: {HRMean: 75, HRStd: 6, HRVMean: 25, HRVStd: 8},
			models.StageLight: {HRMean: 62, HRStd: 4, HRVMean: 40, HRVStd: 10},
			models.StageDeep:  {HRMean: 54, HRStd: 3, HRVMean: 55, HRVStd: 12},
			models.StageREM:   {HRMean: 66, HRStd: 5, HRVMean: 30, HRVStd: 9},
		},
	}

	deep := c.Classify(&models.VitalsSnapshot{
		HeartRate: intPtr(54),
		HRV:       floatPtr(55),
		Timestamp: time.Now(),
	}, model)
	assert.Equal(t, models.StageDeep, deep.Stage)

	awake := c.Classify(&models.VitalsSnapshot{
		HeartRate: intPtr(76),
		HRV:       floatPtr(24),
		Timestamp: time.Now(),
	}, model)
	assert.Equal(t, models.StageAwake, awake.Stage)
}

func TestAudioClassifier_PassesThroughAnalysis(t *testing.T) {
	c := NewAudioSourceClassifier()

	result := c.Classify(models.BreathingAnalysis{
		IsBreathingDetected: true,
		EstimatedStage:      models.StageDeep,
		ConfidenceScore:     0.7,
	})
	assert.Equal(t, models.StageDeep, result.Stage)
	assert.Equal(t, 0.7, result.Confidence)

	none := c.Classify(models.BreathingAnalysis{})
	assert.Equal(t, models.StageUnknown, none.Stage)
	assert.Equal(t, 0.0, none.Confidence)
}
