package stage

import (
	"fmt"

	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
)

// NewStageGateways builds the full gateway set for the pipeline.
// Supported backends: mock, http
// For the http backend, collaborators maps each stage name to its
// service base URL; a missing entry is a configuration error.
func NewStageGateways(backend string, collaborators map[string]string) (map[model.StageName]output.StageGateway, error) {
	switch backend {
	case "mock", "":
		return map[model.StageName]output.StageGateway{
			model.StageIngestion:          NewIngestionMock(),
			model.StageGraphBuilder:       NewGraphBuilderMock(),
			model.StageResearch:           NewResearchMock(),
			model.StageTimeline:           NewTimelineMock(),
			model.StageDocumentForensics:  NewDocumentForensicsMock(),
			model.StageImageForensics:     NewImageForensicsMock(),
			model.StageFinancialForensics: NewFinancialForensicsMock(),
		}, nil

	case "http":
		gateways := make(map[model.StageName]output.StageGateway, len(model.AllStages()))
		for _, name := range model.AllStages() {
			baseURL, ok := collaborators[name.String()]
			if ok && baseURL == "" {
				ok = false
			}
			if !ok {
				return nil, fmt.Errorf("no collaborator URL configured for stage %s", name)
			}
			gateways[name] = NewHTTPStageGateway(name, baseURL)
		}
		return gateways, nil

	default:
		return nil, fmt.Errorf("unknown stage backend: %s (supported: mock, http)", backend)
	}
}
