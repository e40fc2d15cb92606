package deploy

import (
	"context"
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
	"github.com/bayleafwalker/foundry/internal/dbms"
	"github.com/bayleafwalker/foundry/internal/naming"
)

const (
	SSOClientIDKey     = "clientId"
	SSOClientSecretKey = "clientSecret"
)

func (p *pass) name(kind string) string {
	return naming.Object(p.cr.GetName(), p.d.Qualifier, kind)
}

func (p *pass) labels() map[string]string {
	return map[string]string{
		LabelResource:  naming.Sanitize(p.cr.GetName(), naming.MaxLabel),
		LabelQualifier: naming.Sanitize(p.d.Qualifier, naming.MaxLabel),
	}
}

func (p *pass) meta(name string) metav1.ObjectMeta {
	return metav1.ObjectMeta{Name: name, Namespace: p.cr.GetNamespace(), Labels: p.labels()}
}

// selectorValue ties the Deployment's pods to the Service and readiness wait.
func (p *pass) selectorValue() string {
	return naming.Sanitize(p.deploymentName, naming.MaxLabel)
}

func ref(kind string, obj metav1.Object) *foundryv1alpha1.ResourceReference {
	r := foundryv1alpha1.ReferenceTo(kind, obj)
	return &r
}

func (p *pass) pvcName(c Container) string {
	return naming.Join(naming.MaxSubdomain, p.cr.GetName(), p.d.Qualifier, c.Name, "data")
}

func (p *pass) ensurePersistentVolumeClaims(ctx context.Context) error {
	for _, c := range p.d.Containers {
		if c.Persistence == nil {
			continue
		}
		size := c.Persistence.Size
		if size == "" {
			size = DefaultStorageSize
		}
		quantity, err := resource.ParseQuantity(size)
		if err != nil {
			return &ConfigurationError{Field: "persistence.size", Reason: err.Error()}
		}
		class := c.Persistence.StorageClassName
		if class == "" {
			class = p.o.StorageClassName
		}

		desired := &corev1.PersistentVolumeClaim{
			ObjectMeta: p.meta(p.pvcName(c)),
			Spec: corev1.PersistentVolumeClaimSpec{
				AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
				Resources: corev1.VolumeResourceRequirements{
					Requests: corev1.ResourceList{corev1.ResourceStorage: quantity},
				},
			},
		}
		if class != "" {
			desired.Spec.StorageClassName = ptr.To(class)
		}
		observed, err := p.o.PVCs.CreateOrUpdate(ctx, p.cr, desired)
		if err != nil {
			return &StepError{Step: "persistent-volume-claims", Object: ref("PersistentVolumeClaim", desired), Err: err}
		}
		phase := string(observed.Status.Phase)
		if phase == "" {
			phase = string(corev1.ClaimPending)
		}
		if p.st.PersistentVolumeClaimPhases == nil {
			p.st.PersistentVolumeClaimPhases = map[string]string{}
		}
		p.st.PersistentVolumeClaimPhases[observed.Name] = phase
	}
	return nil
}

func (p *pass) ensureSecrets(ctx context.Context) error {
	for i := range p.d.Secrets {
		desired := p.d.Secrets[i].DeepCopy()
		if desired.Namespace == "" {
			desired.Namespace = p.cr.GetNamespace()
		}
		if desired.Labels == nil {
			desired.Labels = map[string]string{}
		}
		for k, v := range p.labels() {
			desired.Labels[k] = v
		}
		if _, err := p.o.Secrets.CreateOrUpdate(ctx, p.cr, desired); err != nil {
			return &StepError{Step: "secrets", Object: ref("Secret", desired), Err: err}
		}
	}
	return nil
}

func (p *pass) serviceAccountName() string {
	if p.d.ServiceAccount == nil {
		return ""
	}
	if p.d.ServiceAccount.Name != "" {
		return p.d.ServiceAccount.Name
	}
	return p.name("sa")
}

func (p *pass) ensureServiceAccount(ctx context.Context) error {
	if p.d.ServiceAccount == nil {
		return nil
	}
	desired := &corev1.ServiceAccount{ObjectMeta: p.meta(p.serviceAccountName())}
	if _, err := p.o.ServiceAccounts.CreateOrUpdate(ctx, p.cr, desired, p.d.ServiceAccount.Rules); err != nil {
		return &StepError{Step: "service-account", Object: ref("ServiceAccount", desired), Err: err}
	}
	return nil
}

func servicePorts(ports []Port) []corev1.ServicePort {
	out := make([]corev1.ServicePort, 0, len(ports))
	for _, pt := range ports {
		name := pt.Name
		if name == "" {
			name = fmt.Sprintf("port-%d", pt.Port)
		}
		out = append(out, corev1.ServicePort{
			Name:       name,
			Port:       pt.Port,
			TargetPort: intstr.FromInt32(pt.Port),
			Protocol:   corev1.ProtocolTCP,
		})
	}
	return out
}

func (p *pass) ensureService(ctx context.Context) error {
	ports := p.d.ports()
	if len(ports) == 0 {
		return nil
	}
	desired := &corev1.Service{
		ObjectMeta: p.meta(naming.Service(p.cr.GetName(), p.d.Qualifier)),
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{LabelDeployment: p.selectorValue()},
			Ports:    servicePorts(ports),
		},
	}
	observed, err := p.o.Services.CreateOrUpdate(ctx, p.cr, desired)
	if err != nil {
		return &StepError{Step: "service", Object: ref("Service", desired), Err: err}
	}
	p.st.ServiceName = observed.Name
	p.st.Port = ports[0].Port
	p.st.InternalBaseURL = fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", observed.Name, observed.Namespace, ports[0].Port)
	p.record(func(res *Result) { res.Service = observed })
	return nil
}

func (p *pass) ensureExternalService(ctx context.Context) error {
	ext := p.d.ExternalService
	desired := &corev1.Service{
		ObjectMeta: p.meta(naming.Service(p.cr.GetName(), p.d.Qualifier)),
		Spec: corev1.ServiceSpec{
			Type:         corev1.ServiceTypeExternalName,
			ExternalName: ext.Host,
		},
	}
	if ext.Port > 0 {
		desired.Spec.Ports = servicePorts([]Port{{Port: ext.Port}})
	}
	observed, err := p.o.Services.CreateOrUpdate(ctx, p.cr, desired)
	if err != nil {
		return &StepError{Step: "external-service", Object: ref("Service", desired), Err: err}
	}
	p.st.ServiceName = observed.Name
	p.st.Port = ext.Port
	p.st.AdminSecretName = ext.AdminSecretName
	p.record(func(res *Result) { res.Service = observed })
	return nil
}

func (p *pass) ingressNamespace() string {
	if p.d.Ingress != nil && p.d.Ingress.Namespace != "" {
		return p.d.Ingress.Namespace
	}
	return p.cr.GetNamespace()
}

func (p *pass) ensureIngress(ctx context.Context) error {
	var exposed []*IngressPath
	for _, c := range p.d.Containers {
		if c.Ingress != nil {
			exposed = append(exposed, c.Ingress)
		}
	}
	if p.d.Ingress == nil || len(exposed) == 0 {
		return nil
	}
	if p.st.ServiceName == "" {
		return &ConfigurationError{Field: "ingress", Reason: "exposed containers declare no ports"}
	}

	settings := p.d.Ingress
	namespace := p.ingressNamespace()
	backend := p.st.ServiceName

	// An Ingress can only route to Services in its own namespace.
	if namespace != p.cr.GetNamespace() {
		delegate := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      naming.Join(naming.MaxLabel, p.cr.GetName(), p.d.Qualifier, "delegate"),
				Namespace: namespace,
				Labels:    p.labels(),
			},
			Spec: corev1.ServiceSpec{
				Type:         corev1.ServiceTypeExternalName,
				ExternalName: fmt.Sprintf("%s.%s.svc.cluster.local", backend, p.cr.GetNamespace()),
				Ports:        servicePorts(p.d.ports()),
			},
		}
		observed, err := p.o.Services.CreateOrUpdate(ctx, p.cr, delegate)
		if err != nil {
			return &StepError{Step: "ingress", Object: ref("Service", delegate), Err: err}
		}
		p.st.DelegatingServiceName = observed.Name
		backend = observed.Name
	}

	name := settings.Name
	if name == "" {
		name = p.name("ingress")
	}
	paths := make([]networkingv1.HTTPIngressPath, 0, len(exposed))
	for _, e := range exposed {
		paths = append(paths, networkingv1.HTTPIngressPath{
			Path:     e.Path,
			PathType: ptr.To(networkingv1.PathTypePrefix),
			Backend: networkingv1.IngressBackend{
				Service: &networkingv1.IngressServiceBackend{
					Name: backend,
					Port: networkingv1.ServiceBackendPort{Number: e.Port},
				},
			},
		})
	}
	desired := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: p.labels()},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: settings.Host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{Paths: paths},
				},
			}},
		},
	}
	class := settings.ClassName
	if class == "" {
		class = p.o.IngressClassName
	}
	if class != "" {
		desired.Spec.IngressClassName = ptr.To(class)
	}
	scheme := "http"
	if settings.TLSSecretName != "" {
		scheme = "https"
		desired.Spec.TLS = []networkingv1.IngressTLS{{Hosts: []string{settings.Host}, SecretName: settings.TLSSecretName}}
	}

	observed, err := p.o.Ingresses.CreateOrUpdate(ctx, p.cr, desired)
	if err != nil {
		return &StepError{Step: "ingress", Object: ref("Ingress", desired), Err: err}
	}
	p.st.IngressName = observed.Name
	p.st.ExternalBaseURL = scheme + "://" + settings.Host + strings.TrimSuffix(exposed[0].Path, "/")
	p.record(func(res *Result) { res.Ingress = observed })
	return nil
}

func (p *pass) ssoSecretName(c Container) string {
	return naming.Join(naming.MaxSubdomain, p.cr.GetName(), p.d.Qualifier, c.Name, "sso")
}

func (p *pass) ssoClientID(c Container) string {
	if c.SSO.ClientID != "" {
		return c.SSO.ClientID
	}
	return naming.Join(naming.MaxLabel, p.cr.GetNamespace(), p.cr.GetName(), c.Name)
}

// origin is the scheme and host clients are redirected back to.
func (p *pass) origin() string {
	if p.d.Ingress != nil {
		scheme := "http"
		if p.d.Ingress.TLSSecretName != "" {
			scheme = "https"
		}
		return scheme + "://" + p.d.Ingress.Host
	}
	return p.st.InternalBaseURL
}

func (p *pass) ensureSSOClients(ctx context.Context) error {
	for _, c := range p.d.Containers {
		if c.SSO == nil {
			continue
		}
		reg := ClientRegistration{Realm: p.d.SSO.Realm, ClientID: p.ssoClientID(c)}
		if origin := p.origin(); origin != "" {
			redirect := c.SSO.RedirectPath
			if redirect == "" {
				redirect = "/"
			}
			reg.RedirectURIs = []string{origin + redirect + "*"}
			reg.WebOrigins = []string{origin}
		}
		creds, err := p.o.SSO.RegisterClient(ctx, *p.d.SSO, reg)
		if err != nil {
			return &StepError{Step: "sso-clients", Err: fmt.Errorf("register client %q: %w", reg.ClientID, err)}
		}

		secret := &corev1.Secret{
			ObjectMeta: p.meta(p.ssoSecretName(c)),
			Type:       corev1.SecretTypeOpaque,
			Data: map[string][]byte{
				SSOClientIDKey:     []byte(creds.ClientID),
				SSOClientSecretKey: []byte(creds.ClientSecret),
			},
		}
		// The identity provider may have issued a new secret.
		if _, err := p.o.Secrets.Replace(ctx, p.cr, secret); err != nil {
			return &StepError{Step: "sso-clients", Object: ref("Secret", secret), Err: err}
		}
		p.st.SSORealm = p.d.SSO.Realm
		p.st.SSOClientID = creds.ClientID
	}
	return nil
}

func secretEnv(name, secret, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secret},
				Key:                  key,
			},
		},
	}
}

func (p *pass) connectionInfo(schema string) dbms.ConnectionInfo {
	return dbms.ConnectionInfo{
		Host:     p.d.Database.Host,
		Port:     p.d.Database.Port,
		Database: p.d.Database.Database,
		Schema:   dbms.SchemaName(schema),
	}
}

// schemaPreparationPod runs one container per requested schema.
func (p *pass) schemaPreparationPod() (*corev1.Pod, error) {
	conn := p.d.Database
	name := p.name("schema-preparation")
	pod := &corev1.Pod{
		ObjectMeta: p.meta(name),
		Spec:       corev1.PodSpec{RestartPolicy: corev1.RestartPolicyNever},
	}
	pod.Labels[LabelSchemaPreparation] = naming.Sanitize(name, naming.MaxLabel)

	for _, c := range p.d.Containers {
		if c.Database == nil {
			continue
		}
		script, err := conn.Vendor.RenderSchemaScript(p.connectionInfo(c.Database.Schema))
		if err != nil {
			return nil, &ConfigurationError{Field: "database.schema", Reason: err.Error()}
		}
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{
			Name:    naming.Join(naming.MaxLabel, "schema", c.Name),
			Image:   conn.Vendor.ClientImage,
			Command: []string{"/bin/sh", "-c", script},
			Env: []corev1.EnvVar{
				secretEnv("ADMIN_USER", conn.AdminSecretName, dbms.SecretUsernameKey),
				secretEnv("ADMIN_PASSWORD", conn.AdminSecretName, dbms.SecretPasswordKey),
				secretEnv("SCHEMA_PASSWORD", c.Database.SecretName, dbms.SecretPasswordKey),
			},
		})
	}
	if len(pod.Spec.Containers) == 0 {
		return nil, nil
	}
	return pod, nil
}

func (p *pass) prepareSchemas(ctx context.Context) error {
	if p.d.Database == nil {
		return nil
	}
	pod, err := p.schemaPreparationPod()
	if err != nil || pod == nil {
		return err
	}
	observed, err := p.o.Pods.RunToCompletion(ctx, p.cr, pod, p.timeout)
	if err != nil {
		return &StepError{Step: "database-schemas", Object: ref("Pod", pod), Err: err}
	}
	p.st.SchemaPodName = observed.Name
	p.st.SchemaPodPhase = string(observed.Status.Phase)
	if err := TerminationFailure(observed); err != nil {
		// DeploymentFailed builds on the persisted server status.
		st := *p.st.DeepCopy()
		if serr := p.writeStatus(func(s StatusUpdater) error {
			return s.UpdateServerStatus(ctx, p.cr, p.d.Qualifier, st)
		}); serr != nil {
			log.FromContext(ctx).Error(serr, "failed to record schema preparation pod")
		}
		return &StepError{Step: "database-schemas", Object: ref("Pod", observed), Err: err}
	}
	if p.o.GarbageCollectSchemaPods {
		if err := p.o.Pods.Delete(ctx, observed); err != nil {
			return &StepError{Step: "database-schemas", Object: ref("Pod", observed), Err: err}
		}
	}
	return nil
}

func probe(hc *HealthCheck) *corev1.Probe {
	if hc == nil {
		return nil
	}
	pr := &corev1.Probe{PeriodSeconds: 10, FailureThreshold: 3}
	if hc.Path != "" {
		pr.HTTPGet = &corev1.HTTPGetAction{Path: hc.Path, Port: intstr.FromInt32(hc.Port)}
	} else {
		pr.Exec = &corev1.ExecAction{Command: hc.Command}
	}
	return pr
}

func (p *pass) containerEnv(c Container) ([]corev1.EnvVar, error) {
	env := append([]corev1.EnvVar(nil), c.Env...)
	if c.Database != nil {
		conn := p.d.Database
		info := p.connectionInfo(c.Database.Schema)
		url, err := conn.Vendor.RenderConnectionString(info)
		if err != nil {
			return nil, &ConfigurationError{Field: "database", Reason: err.Error()}
		}
		env = append(env,
			corev1.EnvVar{Name: "DB_VENDOR", Value: conn.Vendor.Name},
			corev1.EnvVar{Name: "DB_ADDR", Value: conn.Host},
			corev1.EnvVar{Name: "DB_PORT", Value: fmt.Sprint(conn.Port)},
			corev1.EnvVar{Name: "DB_SCHEMA", Value: info.Schema},
			corev1.EnvVar{Name: "DB_URL", Value: url},
			secretEnv("DB_USER", c.Database.SecretName, dbms.SecretUsernameKey),
			secretEnv("DB_PASSWORD", c.Database.SecretName, dbms.SecretPasswordKey),
		)
	}
	if c.SSO != nil {
		base := p.d.SSO.ExternalBaseURL
		if base == "" {
			base = p.d.SSO.BaseURL
		}
		env = append(env,
			corev1.EnvVar{Name: "SSO_URL", Value: base},
			corev1.EnvVar{Name: "SSO_REALM", Value: p.d.SSO.Realm},
			secretEnv("SSO_CLIENT_ID", p.ssoSecretName(c), SSOClientIDKey),
			secretEnv("SSO_CLIENT_SECRET", p.ssoSecretName(c), SSOClientSecretKey),
		)
	}
	return env, nil
}

func (p *pass) ensureDeployment(ctx context.Context) error {
	labels := p.labels()
	labels[LabelDeployment] = p.selectorValue()

	spec := corev1.PodSpec{ServiceAccountName: p.serviceAccountName()}
	for _, c := range p.d.Containers {
		env, err := p.containerEnv(c)
		if err != nil {
			return err
		}
		container := corev1.Container{
			Name:           c.Name,
			Image:          c.Image,
			Command:        c.Command,
			Args:           c.Args,
			Env:            env,
			ReadinessProbe: probe(c.HealthCheck),
			LivenessProbe:  probe(c.HealthCheck),
		}
		for _, pt := range c.Ports {
			container.Ports = append(container.Ports, corev1.ContainerPort{Name: pt.Name, ContainerPort: pt.Port, Protocol: corev1.ProtocolTCP})
		}
		if c.Persistence != nil {
			volume := naming.Join(naming.MaxLabel, c.Name, "data")
			spec.Volumes = append(spec.Volumes, corev1.Volume{
				Name: volume,
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: p.pvcName(c)},
				},
			})
			container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{Name: volume, MountPath: c.Persistence.MountPath})
		}
		spec.Containers = append(spec.Containers, container)
	}

	desired := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: p.deploymentName, Namespace: p.cr.GetNamespace(), Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(p.d.Replicas),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelDeployment: labels[LabelDeployment]}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       spec,
			},
		},
	}
	// Volumes that only one pod may mount at a time rule out surge rollouts.
	for _, c := range p.d.Containers {
		if c.Persistence != nil {
			desired.Spec.Strategy.Type = appsv1.RecreateDeploymentStrategyType
			break
		}
	}

	observed, err := p.o.Deployments.CreateOrUpdate(ctx, p.cr, desired)
	if err != nil {
		return &StepError{Step: "deployment", Object: ref("Deployment", desired), Err: err}
	}
	p.st.DeploymentName = observed.Name
	p.record(func(res *Result) { res.Deployment = observed })
	return nil
}

func (p *pass) waitForPod(ctx context.Context) error {
	pod, err := p.o.Pods.WaitForReady(ctx, p.cr.GetNamespace(), LabelDeployment, p.selectorValue(), p.timeout)
	if pod != nil {
		p.st.PodName = pod.Name
		p.st.PodPhase = string(pod.Status.Phase)
		p.record(func(res *Result) { res.Pod = pod })
	}
	if err != nil {
		se := &StepError{Step: "pod-ready", Err: err}
		if pod != nil {
			se.Object = ref("Pod", pod)
		}
		return se
	}
	return nil
}
