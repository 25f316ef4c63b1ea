package platform

// Operation identifies one persisted GraphQL query by name and sha256Hash.
// Both fields are part of the interface contract (spec.md §4.2) and are
// treated as opaque constants — never computed, never guessed.
type Operation struct {
	Name string
	Hash string
}

// Named operations the Platform Client exposes, per spec.md §4.2's table.
var (
	OpInventory                  = Operation{Name: "Inventory", Hash: "09acb7d3d7e605a92bdfdcc465f6aa481b71c234d8686a9ba38ea5ed51507592"}
	OpViewerDropsDashboard        = Operation{Name: "ViewerDropsDashboard", Hash: "5a4da2ab3d5b47c9f9ce864e727b2cb346af1e3ea8b897fe8f704a97ff017619"}
	OpDropCampaignDetails         = Operation{Name: "DropCampaignDetails", Hash: "039277bf98f3130929262cc7c6efd9c141ca3749cb6dca442fc8ead9a53f77c1"}
	OpDropCurrentSessionContext   = Operation{Name: "DropCurrentSessionContext", Hash: "4d06b702d25d652afb9ef835d2a550031f1cf762b193523a92166f40ea3d142b"}
	OpClaimDropRewards            = Operation{Name: "DropsPage_ClaimDropRewards", Hash: "a455deea71bdc9015b78eb49f4acfbce8baa7ccbedd28e549bb025bd0f751930"}
	OpPlaybackAccessToken         = Operation{Name: "PlaybackAccessToken", Hash: "ed230aa1e33e07eebb8928504583da78a5173989fadfb1ac94be06a04f3cdbe9"}
	OpGameDirectory               = Operation{Name: "DirectoryPage_Game", Hash: "c7c9d5aad09155c4161d2382092dc44610367f3536aac39019ec2582ae5065f9"}
)

// persistedQueryBody is the request envelope every operation shares.
type persistedQueryBody struct {
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Extensions    extensions             `json:"extensions"`
}

type extensions struct {
	PersistedQuery persistedQuery `json:"persistedQuery"`
}

type persistedQuery struct {
	Version    int    `json:"version"`
	Sha256Hash string `json:"sha256Hash"`
}

func newRequestBody(op Operation, variables map[string]interface{}) persistedQueryBody {
	return persistedQueryBody{
		OperationName: op.Name,
		Variables:     variables,
		Extensions: extensions{
			PersistedQuery: persistedQuery{Version: 1, Sha256Hash: op.Hash},
		},
	}
}
