package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/u2takey/go-utils/filesystem/homedir"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/convergd/convergd/internal/manifest"
)

const fieldManagerPrefix = "convergd-"

// FieldManager returns the server-side apply field manager for a group.
func FieldManager(owner string) string {
	return fieldManagerPrefix + owner
}

// Kube applies manifests to a Kubernetes cluster through the dynamic
// client using server-side apply. Each group applies under its own field
// manager, so cross-group ownership shows up as an apply conflict.
type Kube struct {
	dyn        dynamic.Interface
	mapper     meta.RESTMapper
	kindIndex  map[string]schema.GroupVersionKind
	fallbackNS string
}

// NewKube connects to the cluster selected by kubeconfig. An empty path
// tries in-cluster config first, then ~/.kube/config.
func NewKube(kubeconfig, fallbackNS string) (*Kube, error) {
	cfg, err := restConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("build cluster config: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create discovery client: %w", err)
	}
	groupResources, err := restmapper.GetAPIGroupResources(dc)
	if err != nil {
		return nil, fmt.Errorf("discover api resources: %w", err)
	}
	return &Kube{
		dyn:        dyn,
		mapper:     restmapper.NewDiscoveryRESTMapper(groupResources),
		kindIndex:  buildKindIndex(groupResources),
		fallbackNS: fallbackNS,
	}, nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// Apply performs a server-side apply of the manifest under the group's
// field manager. Changed is judged by the resource version moving.
func (k *Kube) Apply(ctx context.Context, owner string, m manifest.Manifest) (ApplyResult, error) {
	gvk := schema.FromAPIVersionAndKind(m.APIVersion, m.Kind)
	mapping, err := k.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("resolve mapping for %s: %w", m.Key(), err)
	}

	obj := &unstructured.Unstructured{Object: deepCopy(m.Object)}
	ri := k.resourceInterface(mapping, m.Namespace, obj)

	var priorRV string
	if prior, err := ri.Get(ctx, m.Name, metav1.GetOptions{}); err == nil {
		priorRV = prior.GetResourceVersion()
		if o := ownerFromManaged(prior.GetManagedFields()); o != "" && o != owner {
			return ApplyResult{}, &ConflictError{Key: m.Key(), Owner: o}
		}
	} else if !apierrors.IsNotFound(err) {
		return ApplyResult{}, fmt.Errorf("get %s: %w", m.Key(), err)
	}

	applied, err := ri.Apply(ctx, m.Name, obj, metav1.ApplyOptions{FieldManager: FieldManager(owner)})
	if err != nil {
		return ApplyResult{}, mapApplyError(m.Key(), err)
	}
	return ApplyResult{
		Generation: applied.GetGeneration(),
		Changed:    applied.GetResourceVersion() != priorRV,
	}, nil
}

// Get fetches the full live view of an object.
func (k *Kube) Get(ctx context.Context, key manifest.Key) (LiveObject, error) {
	ri, err := k.interfaceForKey(key)
	if err != nil {
		return LiveObject{}, err
	}
	u, err := ri.Get(ctx, key.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return LiveObject{}, &NotFoundError{Key: key}
		}
		return LiveObject{}, fmt.Errorf("get %s: %w", key, err)
	}
	return liveFromUnstructured(key, u), nil
}

// Status returns the reported status of an object.
func (k *Kube) Status(ctx context.Context, key manifest.Key) (ObjectStatus, error) {
	live, err := k.Get(ctx, key)
	if err != nil {
		return ObjectStatus{}, err
	}
	return ObjectStatus{Fields: live.Status, Conditions: live.Conditions}, nil
}

// Delete removes an object.
func (k *Kube) Delete(ctx context.Context, key manifest.Key) error {
	ri, err := k.interfaceForKey(key)
	if err != nil {
		return err
	}
	if err := ri.Delete(ctx, key.Name, metav1.DeleteOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return &NotFoundError{Key: key}
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (k *Kube) interfaceForKey(key manifest.Key) (dynamic.ResourceInterface, error) {
	gvk, ok := k.kindIndex[key.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q: not served by the cluster", key.Kind)
	}
	mapping, err := k.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("resolve mapping for %s: %w", key, err)
	}
	return k.resourceInterface(mapping, key.Namespace, nil), nil
}

func (k *Kube) resourceInterface(mapping *meta.RESTMapping, ns string, obj *unstructured.Unstructured) dynamic.ResourceInterface {
	if mapping.Scope.Name() != meta.RESTScopeNameNamespace {
		return k.dyn.Resource(mapping.Resource)
	}
	if ns == "" {
		ns = k.fallbackNS
	}
	if obj != nil && obj.GetNamespace() == "" {
		obj.SetNamespace(ns)
	}
	return k.dyn.Resource(mapping.Resource).Namespace(ns)
}

func mapApplyError(key manifest.Key, err error) error {
	switch {
	case apierrors.IsConflict(err):
		return &ConflictError{Key: key, Err: err}
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return &ValidationError{Key: key, Reason: err.Error()}
	default:
		return fmt.Errorf("apply %s: %w", key, err)
	}
}

func liveFromUnstructured(key manifest.Key, u *unstructured.Unstructured) LiveObject {
	norm := manifest.Normalize(u.Object).(map[string]any)
	status, _ := norm["status"].(map[string]any)
	spec := make(map[string]any, len(norm))
	for field, v := range norm {
		if field != "status" {
			spec[field] = v
		}
	}
	return LiveObject{
		Key:        key,
		Owner:      ownerFromManaged(u.GetManagedFields()),
		Generation: u.GetGeneration(),
		Spec:       spec,
		Status:     status,
		Conditions: conditionsFrom(status),
	}
}

func ownerFromManaged(entries []metav1.ManagedFieldsEntry) string {
	for _, e := range entries {
		if strings.HasPrefix(e.Manager, fieldManagerPrefix) {
			return strings.TrimPrefix(e.Manager, fieldManagerPrefix)
		}
	}
	return ""
}

func conditionsFrom(status map[string]any) []Condition {
	raw, _ := status["conditions"].([]any)
	if len(raw) == 0 {
		return nil
	}
	conds := make([]Condition, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var c Condition
		c.Type, _ = entry["type"].(string)
		c.Status, _ = entry["status"].(string)
		c.Reason, _ = entry["reason"].(string)
		c.Message, _ = entry["message"].(string)
		if c.Type != "" {
			conds = append(conds, c)
		}
	}
	return conds
}

// buildKindIndex maps bare kinds to a preferred group/version so the
// key-based operations can resolve them. Ambiguous kinds go to the
// higher-priority group: core, then apps, then batch, then the rest in
// discovery order.
func buildKindIndex(groups []*restmapper.APIGroupResources) map[string]schema.GroupVersionKind {
	ordered := make([]*restmapper.APIGroupResources, len(groups))
	copy(ordered, groups)
	sort.SliceStable(ordered, func(i, j int) bool {
		return groupPriority(ordered[i].Group.Name) < groupPriority(ordered[j].Group.Name)
	})

	idx := make(map[string]schema.GroupVersionKind)
	for _, g := range ordered {
		version := g.Group.PreferredVersion.Version
		if version == "" && len(g.Group.Versions) > 0 {
			version = g.Group.Versions[0].Version
		}
		for _, res := range g.VersionedResources[version] {
			if strings.Contains(res.Name, "/") {
				continue // subresource
			}
			if _, ok := idx[res.Kind]; !ok {
				idx[res.Kind] = schema.GroupVersionKind{Group: g.Group.Name, Version: version, Kind: res.Kind}
			}
		}
	}
	return idx
}

func groupPriority(name string) int {
	switch name {
	case "":
		return 0
	case "apps":
		return 1
	case "batch":
		return 2
	default:
		return 3
	}
}
