package powerfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPlatforms(t *testing.T) {
	t.Parallel()

	table := DefaultPlatforms()
	tests := []struct {
		platform string
		want     Family
		known    bool
	}{
		{"13B-REW ", FamilyMazda, true},
		{"SR20DET1", FamilyNissan, true},
		{"EJ20G   ", FamilyNissan, true},
		{"B16B    ", FamilyNissan, true},
		{"4G63-D  ", FamilyToyota, true},
		{"2JZ-GTE1", FamilyToyota, true},
		{"13B-REW", FamilyUnknown, false},
		{"XYZ123  ", FamilyUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			got, ok := table.Family(tt.platform)
			assert.Equal(t, tt.known, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFamily_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "mazda", FamilyMazda.String())
	assert.Equal(t, "nissan/subaru/honda", FamilyNissan.String())
	assert.Equal(t, "toyota/mitsubishi", FamilyToyota.String())
	assert.Equal(t, "unknown", FamilyUnknown.String())
}
