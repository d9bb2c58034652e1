package messages

import (
	"github.com/zylinc/messagebus/contracts"
)

// ServiceConfigurationBundle names one configuration bundle of a service
type ServiceConfigurationBundle struct {
	ServiceName string `json:"serviceName"`
	BundleName  string `json:"bundleName"`
}

// ServiceConfigurationResponseData is the configuration content of one bundle
type ServiceConfigurationResponseData struct {
	ServiceName string            `json:"serviceName"`
	BundleName  string            `json:"bundleName"`
	Values      map[string]string `json:"values,omitempty"`
}

// ServiceConfigurationRequest asks the configuration manager for bundles
type ServiceConfigurationRequest struct {
	contracts.BaseRequest
	Bundles []ServiceConfigurationBundle `json:"bundles"`
}

// NewServiceConfigurationRequest creates a configuration request. requestID may be empty.
func NewServiceConfigurationRequest(requestID, replyTo string, bundles ...ServiceConfigurationBundle) *ServiceConfigurationRequest {
	return &ServiceConfigurationRequest{
		BaseRequest: contracts.NewBaseRequest("ServiceConfigurationRequest", requestID, replyTo),
		Bundles:     bundles,
	}
}

// ServiceConfigurationResponse answers a ServiceConfigurationRequest
type ServiceConfigurationResponse struct {
	contracts.BaseResponse
	Data []ServiceConfigurationResponseData `json:"data"`
}

// NewServiceConfigurationResponse creates a configuration response for requestID.
// A nil data set is sent as an empty list.
func NewServiceConfigurationResponse(requestID string, data ...ServiceConfigurationResponseData) *ServiceConfigurationResponse {
	if data == nil {
		data = []ServiceConfigurationResponseData{}
	}
	return &ServiceConfigurationResponse{
		BaseResponse: contracts.NewBaseResponse("ServiceConfigurationResponse", requestID),
		Data:         data,
	}
}
