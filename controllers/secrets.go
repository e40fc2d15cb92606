package controllers

import (
	"strings"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/bayleafwalker/foundry/internal/dbms"
)

// generatePassword returns 32 random hex characters.
func generatePassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// credentialsSecret holds a username and a freshly generated password. The
// secret creator keeps the password of an existing Secret.
func credentialsSecret(namespace, name, username string) corev1.Secret {
	return corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Type:       corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			dbms.SecretUsernameKey: []byte(username),
			dbms.SecretPasswordKey: []byte(generatePassword()),
		},
	}
}
