// Package aci implements provisioner.Registry on Azure Container Instances.
// Each bridge resource is a single-container group with a public DNS label.
package aci

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerinstance/armcontainerinstance/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/provisioner"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// Config selects where bridge containers are created.
type Config struct {
	SubscriptionID string
	ResourceGroup  string
	CPU            float64
	MemoryGB       float64

	RegistryServer   string
	RegistryUsername string
	RegistryPassword string

	// Credential overrides the default Azure credential chain.
	Credential azcore.TokenCredential
}

// Registry talks to the container instance API. Clients and the credential
// are created on first use and reused for the life of the process.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu             sync.Mutex
	groups         *armcontainerinstance.ContainerGroupsClient
	resourceGroups *armresources.ResourceGroupsClient
	location       string
}

// New creates a Registry. No API calls are made until the first operation.
func New(cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{cfg: cfg, logger: logger}
}

func (r *Registry) clients() (*armcontainerinstance.ContainerGroupsClient, *armresources.ResourceGroupsClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups != nil {
		return r.groups, r.resourceGroups, nil
	}

	cred := r.cfg.Credential
	if cred == nil {
		c, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, nil, errors.Annotate(err, "creating azure credential")
		}
		cred = c
	}
	groups, err := armcontainerinstance.NewContainerGroupsClient(r.cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, nil, errors.Annotate(err, "creating container groups client")
	}
	resourceGroups, err := armresources.NewResourceGroupsClient(r.cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, nil, errors.Annotate(err, "creating resource groups client")
	}
	r.groups, r.resourceGroups = groups, resourceGroups
	r.logger.Debug().Str("subscription", r.cfg.SubscriptionID).Msg("Azure clients initialized")
	return groups, resourceGroups, nil
}

// regionOf returns the location of the configured resource group.
func (r *Registry) regionOf(ctx context.Context, resourceGroups *armresources.ResourceGroupsClient) (string, error) {
	r.mu.Lock()
	location := r.location
	r.mu.Unlock()
	if location != "" {
		return location, nil
	}

	resp, err := resourceGroups.Get(ctx, r.cfg.ResourceGroup, nil)
	if err != nil {
		return "", errors.Annotatef(err, "reading resource group %q", r.cfg.ResourceGroup)
	}
	if resp.Location == nil {
		return "", errors.Errorf("resource group %q has no location", r.cfg.ResourceGroup)
	}

	r.mu.Lock()
	r.location = *resp.Location
	r.mu.Unlock()
	return *resp.Location, nil
}

func (r *Registry) Get(ctx context.Context, name string) (provisioner.Resource, error) {
	groups, _, err := r.clients()
	if err != nil {
		return provisioner.Resource{}, err
	}
	resp, err := groups.Get(ctx, r.cfg.ResourceGroup, name, nil)
	if isNotFound(err) {
		return provisioner.Resource{Name: name, State: provisioner.Absent}, nil
	}
	if err != nil {
		return provisioner.Resource{}, errors.Annotatef(err, "reading container group %q", name)
	}
	return resourceFromGroup(name, &resp.ContainerGroup), nil
}

func (r *Registry) Create(ctx context.Context, spec provisioner.Spec) (provisioner.Resource, error) {
	groups, resourceGroups, err := r.clients()
	if err != nil {
		return provisioner.Resource{}, err
	}
	location, err := r.regionOf(ctx, resourceGroups)
	if err != nil {
		return provisioner.Resource{}, err
	}

	poller, err := groups.BeginCreateOrUpdate(ctx, r.cfg.ResourceGroup, spec.Name, r.containerGroup(location, spec), nil)
	if err != nil {
		return provisioner.Resource{}, errors.Annotatef(err, "creating container group %q", spec.Name)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return provisioner.Resource{}, errors.Annotatef(err, "creating container group %q", spec.Name)
	}
	res := resourceFromGroup(spec.Name, &resp.ContainerGroup)
	r.logger.Info().Str("resource", spec.Name).Str("address", res.Address).Msg("Container group created")
	return res, nil
}

func (r *Registry) Start(ctx context.Context, name string) error {
	groups, _, err := r.clients()
	if err != nil {
		return err
	}
	poller, err := groups.BeginStart(ctx, r.cfg.ResourceGroup, name, nil)
	if err != nil {
		return errors.Annotatef(err, "starting container group %q", name)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return errors.Annotatef(err, "starting container group %q", name)
	}
	return nil
}

func (r *Registry) Delete(ctx context.Context, name string) error {
	groups, _, err := r.clients()
	if err != nil {
		return err
	}
	poller, err := groups.BeginDelete(ctx, r.cfg.ResourceGroup, name, nil)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "deleting container group %q", name)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil && !isNotFound(err) {
		return errors.Annotatef(err, "deleting container group %q", name)
	}
	return nil
}

func (r *Registry) containerGroup(location string, spec provisioner.Spec) armcontainerinstance.ContainerGroup {
	port := to.Ptr(int32(spec.Port))

	group := armcontainerinstance.ContainerGroup{
		Location: to.Ptr(location),
		Properties: &armcontainerinstance.ContainerGroupPropertiesProperties{
			OSType:        to.Ptr(armcontainerinstance.OperatingSystemTypesLinux),
			RestartPolicy: to.Ptr(armcontainerinstance.ContainerGroupRestartPolicyAlways),
			Containers: []*armcontainerinstance.Container{{
				Name: to.Ptr(spec.Name + "-1"),
				Properties: &armcontainerinstance.ContainerProperties{
					Image: to.Ptr(spec.Image),
					Ports: []*armcontainerinstance.ContainerPort{{
						Port:     port,
						Protocol: to.Ptr(armcontainerinstance.ContainerNetworkProtocolTCP),
					}},
					Resources: &armcontainerinstance.ResourceRequirements{
						Requests: &armcontainerinstance.ResourceRequests{
							CPU:        to.Ptr(r.cfg.CPU),
							MemoryInGB: to.Ptr(r.cfg.MemoryGB),
						},
					},
					EnvironmentVariables: environment(spec.Env),
				},
			}},
			IPAddress: &armcontainerinstance.IPAddress{
				Type:         to.Ptr(armcontainerinstance.ContainerGroupIPAddressTypePublic),
				DNSNameLabel: to.Ptr(spec.Name),
				Ports: []*armcontainerinstance.Port{{
					Port:     port,
					Protocol: to.Ptr(armcontainerinstance.ContainerGroupNetworkProtocolTCP),
				}},
			},
		},
	}
	if r.cfg.RegistryServer != "" {
		group.Properties.ImageRegistryCredentials = []*armcontainerinstance.ImageRegistryCredential{{
			Server:   to.Ptr(r.cfg.RegistryServer),
			Username: to.Ptr(r.cfg.RegistryUsername),
			Password: to.Ptr(r.cfg.RegistryPassword),
		}}
	}
	return group
}

// environment converts a bridge config into container variables, sorted by
// name. Values that look like credentials are passed as secure values.
func environment(cfg models.BridgeConfig) []*armcontainerinstance.EnvironmentVariable {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make([]*armcontainerinstance.EnvironmentVariable, 0, len(keys))
	for _, k := range keys {
		v := &armcontainerinstance.EnvironmentVariable{Name: to.Ptr(k)}
		if isSecret(k) {
			v.SecureValue = to.Ptr(cfg[k])
		} else {
			v.Value = to.Ptr(cfg[k])
		}
		vars = append(vars, v)
	}
	return vars
}

func isSecret(key string) bool {
	k := strings.ToUpper(key)
	for _, marker := range []string{"KEY", "CONN_STRING", "CONNECTION_STRING", "PASSWORD", "SECRET", "TOKEN"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

func resourceFromGroup(name string, group *armcontainerinstance.ContainerGroup) provisioner.Resource {
	res := provisioner.Resource{Name: name, State: provisioner.Running}
	props := group.Properties
	if props == nil {
		return res
	}
	if props.InstanceView != nil && props.InstanceView.State != nil {
		res.State = stateOf(*props.InstanceView.State)
	}
	res.Address = addressOf(props.IPAddress)
	return res
}

// stateOf maps a container group instance state. Groups that have finished
// or failed can be started again, so they count as stopped.
func stateOf(s string) provisioner.State {
	switch strings.ToLower(s) {
	case "stopped", "succeeded", "failed":
		return provisioner.Stopped
	default:
		return provisioner.Running
	}
}

func addressOf(ip *armcontainerinstance.IPAddress) string {
	if ip == nil {
		return ""
	}
	host := ""
	switch {
	case ip.Fqdn != nil && *ip.Fqdn != "":
		host = *ip.Fqdn
	case ip.IP != nil && *ip.IP != "":
		host = *ip.IP
	default:
		return ""
	}
	if len(ip.Ports) == 0 || ip.Ports[0].Port == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(*ip.Ports[0].Port)))
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
