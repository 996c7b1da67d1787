package commsutil

import (
	"fmt"
	"strings"
)

// Fixed COMMS subjects shared with external collaborators.
const (
	SubjectConnect    = "client.connect"
	SubjectDisconnect = "client.disconnect"
	SubjectBundler    = "bundler.fetch"

	// SubjectPluginsLoaded announces that the methods bucket is current.
	SubjectPluginsLoaded = "plugins.loaded"

	// SubjectAllOperations is the transport tier's wildcard over every implant.
	SubjectAllOperations = "client.operations.*"
)

// Stream, bucket and wildcard names.
const (
	StreamManager = "manager"
	StreamPlugins = "plugins"

	BucketMethods = "methods"
	BucketClients = "clients"
	BucketBundler = "bundler"
)

const operationsPrefix = "client.operations."

// ClientOperations is the implant-facing subject carrying operations for id.
func ClientOperations(id string) string {
	return operationsPrefix + id
}

// ClientResponse is the subject an implant response for operationID is published on.
func ClientResponse(id, operationID string) string {
	return fmt.Sprintf("client.response.%s.%s", id, operationID)
}

// ClientResponses subscribes to every response of one implant.
func ClientResponses(id string) string {
	return fmt.Sprintf("client.response.%s.*", id)
}

// ManagerOperations is the operator-issued subject the bridge for id consumes.
func ManagerOperations(id string) string {
	return "manager.operations." + id
}

// ManagerResponse is the operator-facing subject for one operation's response.
func ManagerResponse(id, operationID string) string {
	return fmt.Sprintf("manager.responses.%s.%s", id, operationID)
}

// ManagerEvents carries implant messages that answer no outstanding operation.
func ManagerEvents(id string) string {
	return "manager.events." + id
}

// PluginRun is the subject plugin invocation requests for id arrive on.
func PluginRun(id string) string {
	return "plugin.run." + id
}

// PluginResponse is the subject of the terminal response for one invocation.
func PluginResponse(id, operationID string) string {
	return fmt.Sprintf("plugin.response.%s.%s", id, operationID)
}

// ClientIDFromOperations extracts the implant id from a client.operations.<id> subject.
func ClientIDFromOperations(subject string) (string, bool) {
	id := strings.TrimPrefix(subject, operationsPrefix)
	if id == subject || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}
