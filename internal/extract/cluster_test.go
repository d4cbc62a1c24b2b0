package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathShape(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.GSAAuctions.gov/auctions/12345", "gsaauctions.gov/auctions/{n}"},
		{"https://gsaauctions.gov/auctions/98765?tab=photos", "gsaauctions.gov/auctions/{n}"},
		{"https://a.gov/lot/3f2b9c1e-7d4a-4f00-9b1e-0a2c3d4e5f60/view", "a.gov/lot/{id}/view"},
		{"https://a.gov/vehicles/2015-ford-f150-ab12cd", "a.gov/vehicles/{id}"},
		{"https://a.gov/Vehicles/Trucks/", "a.gov/vehicles/trucks"},
		{"https://a.gov/", "a.gov/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PathShape(tt.url), tt.url)
	}
}

func TestClusterID(t *testing.T) {
	t.Parallel()
	a := ClusterID("https://a.gov/auctions/1")
	b := ClusterID("https://a.gov/auctions/999?x=1")
	c := ClusterID("https://b.gov/auctions/1")

	assert.Len(t, a, 12)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
