package registry

import (
	"net/http"

	"github.com/kaedren/twitchsub/core/domain"
)

// Event keys in the built-in catalogue (SPEC_FULL.md §12). Real
// applications register their own full catalogue generated from Twitch's
// published schemas; this set is the minimal slice needed to build, test,
// and demo the two cores end to end, grounded on the subscription-type
// trio in other_examples' eventsub-subscriptions.go snippet.
const (
	EventChannelFollow     = "ChannelFollow"
	EventChannelUpdate     = "ChannelUpdate"
	EventChannelSubscribe  = "ChannelSubscribe"
	EventStreamOnline      = "StreamOnline"
	EventStreamOffline     = "StreamOffline"
)

// Helix endpoint names in the built-in catalogue.
const (
	EndpointCreateEventSubSubscription = "CreateEventSubSubscription"
	EndpointDeleteEventSubSubscription = "DeleteEventSubSubscription"
	EndpointGetUsers                  = "GetUsers"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// DefaultCatalog returns a Registry pre-populated with the built-in event
// and endpoint descriptors.
func DefaultCatalog() *Registry {
	r := New()

	r.RegisterEvent(domain.EventDescriptor{
		Key:     EventChannelFollow,
		Type:    "channel.follow",
		Version: "2",
		Condition: NewObjectValidator(
			Field{Name: "broadcaster_user_id", Kind: KindString, Required: true},
			Field{Name: "moderator_user_id", Kind: KindString, Required: true},
		),
		Event: AnyValidator{},
	})

	r.RegisterEvent(domain.EventDescriptor{
		Key:     EventChannelUpdate,
		Type:    "channel.update",
		Version: "2",
		Condition: NewObjectValidator(
			Field{Name: "broadcaster_user_id", Kind: KindString, Required: true},
		),
		Event: AnyValidator{},
	})

	r.RegisterEvent(domain.EventDescriptor{
		Key:     EventChannelSubscribe,
		Type:    "channel.subscribe",
		Version: "1",
		Condition: NewObjectValidator(
			Field{Name: "broadcaster_user_id", Kind: KindString, Required: true},
		),
		Event: AnyValidator{},
	})

	r.RegisterEvent(domain.EventDescriptor{
		Key:     EventStreamOnline,
		Type:    "stream.online",
		Version: "1",
		Condition: NewObjectValidator(
			Field{Name: "broadcaster_user_id", Kind: KindString, Required: true},
		),
		Event: AnyValidator{},
	})

	r.RegisterEvent(domain.EventDescriptor{
		Key:     EventStreamOffline,
		Type:    "stream.offline",
		Version: "1",
		Condition: NewObjectValidator(
			Field{Name: "broadcaster_user_id", Kind: KindString, Required: true},
		),
		Event: AnyValidator{},
	})

	r.RegisterEndpoint(domain.EndpointDescriptor{
		Name:         EndpointCreateEventSubSubscription,
		Method:       http.MethodPost,
		Path:         helixBaseURL + "/eventsub/subscriptions",
		RequestBody:  AnyValidator{},
		ResponseBody: AnyValidator{},
		SuccessCodes: []int{http.StatusAccepted},
		ErrorCodes:   []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
		Auth: domain.AuthRequirement{
			UserAccessToken: true,
			AppAccessToken:  true,
		},
	})

	r.RegisterEndpoint(domain.EndpointDescriptor{
		Name:         EndpointDeleteEventSubSubscription,
		Method:       http.MethodDelete,
		Path:         helixBaseURL + "/eventsub/subscriptions",
		RequestQuery: NewObjectValidator(Field{Name: "id", Kind: KindString, Required: true}),
		SuccessCodes: []int{http.StatusNoContent},
		ErrorCodes:   []int{http.StatusBadRequest, http.StatusNotFound},
		Auth: domain.AuthRequirement{
			UserAccessToken: true,
			AppAccessToken:  true,
		},
	})

	r.RegisterEndpoint(domain.EndpointDescriptor{
		Name:         EndpointGetUsers,
		Method:       http.MethodGet,
		Path:         helixBaseURL + "/users",
		RequestQuery: AnyValidator{},
		ResponseBody: AnyValidator{},
		SuccessCodes: []int{http.StatusOK},
		ErrorCodes:   []int{http.StatusBadRequest, http.StatusUnauthorized},
		Auth: domain.AuthRequirement{
			UserAccessToken: true,
			AppAccessToken:  true,
		},
	})

	return r
}
