package deploy

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeployable_Defaults(t *testing.T) {
	d, err := NewDeployable(Deployable{
		Qualifier:  "server",
		Containers: []Container{{Name: "web", Image: "nginx:1.27"}},
	})
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, d.SchemaVersion)
	assert.Equal(t, int32(1), d.Replicas)
}

func TestDeployable_Validate(t *testing.T) {
	tests := []struct {
		name string
		d    Deployable
		want []string
	}{
		{
			name: "missing qualifier and containers",
			d:    Deployable{},
			want: []string{"qualifier is required", "at least one container"},
		},
		{
			name: "unknown schema version",
			d:    Deployable{SchemaVersion: "v2", Qualifier: "q", Containers: []Container{{Name: "a", Image: "i"}}},
			want: []string{`unsupported version "v2"`},
		},
		{
			name: "duplicate container names",
			d:    Deployable{Qualifier: "q", Containers: []Container{{Name: "a", Image: "i"}, {Name: "a", Image: "i"}}},
			want: []string{`duplicate container "a"`},
		},
		{
			name: "sections without connections",
			d: Deployable{Qualifier: "q", Containers: []Container{{
				Name:     "a",
				Image:    "i",
				Ingress:  &IngressPath{Path: "/", Port: 80},
				Database: &DatabaseSchema{Schema: "s", SecretName: "x"},
				SSO:      &SSOClient{},
			}}},
			want: []string{"has no ingress", "has no database connection", "has no SSO connection"},
		},
		{
			name: "bad persistence",
			d: Deployable{Qualifier: "q", Containers: []Container{{
				Name: "a", Image: "i", Persistence: &Persistence{Size: "lots"},
			}}},
			want: []string{"persistence.mountPath is required", "persistence.size"},
		},
		{
			name: "external service needs a host",
			d:    Deployable{Qualifier: "q", ExternalService: &ExternalService{}},
			want: []string{"externalService.host is required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			require.Error(t, err)
			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce))
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestDeployable_ExternalServiceNeedsNoContainers(t *testing.T) {
	d := Deployable{Qualifier: "server", ExternalService: &ExternalService{Host: "db.example.test"}}
	assert.NoError(t, d.Validate())
}

func TestFailureRecordFor(t *testing.T) {
	pod := ref("Pod", shop())
	rec := FailureRecordFor(&StepError{Step: "pod-ready", Object: pod, Err: errors.New("crash loop")})
	assert.Equal(t, "failed at step pod-ready", rec.Detail)
	assert.True(t, strings.HasSuffix(rec.Message, "crash loop"))
	require.NotNil(t, rec.FailedObject)
	assert.Equal(t, *pod, *rec.FailedObject)
}
