// Package deploy runs the site deployment pipeline.
package deploy

import (
	"encoding/json"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/bus"
	"github.com/siteship/siteship/core/infra/schema"
	"github.com/siteship/siteship/core/source"
)

// DeployJob is the payload of a job.deploy.site packet.
type DeployJob struct {
	DeployID string                 `json:"deploy_id"`
	SiteID   string                 `json:"site_id"`
	UserID   string                 `json:"user_id"`
	Source   source.SourceReference `json:"source"`
}

var jobSchema = []byte(`{
	"type": "object",
	"required": ["deploy_id", "site_id", "user_id", "source"],
	"properties": {
		"deploy_id": {"type": "string", "minLength": 1},
		"site_id": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9-]*$"},
		"user_id": {"type": "string", "minLength": 1},
		"source": {
			"type": "object",
			"required": ["host", "owner", "repo", "ref"],
			"properties": {
				"host": {"enum": ["github", "gitlab"]},
				"owner": {"type": "string", "minLength": 1},
				"repo": {"type": "string", "minLength": 1},
				"ref": {"type": "string", "minLength": 1}
			}
		}
	}
}`)

// ParseJob validates and decodes a deploy packet. Validation failures are
// terminal for the packet; they are reported, never retried.
func ParseJob(p *bus.Packet) (DeployJob, error) {
	var raw json.RawMessage = p.Payload
	if err := schema.Validate("deploy-job", jobSchema, raw); err != nil {
		return DeployJob{}, faults.Wrap(faults.CodeBadJob, "deploy job rejected by schema", err)
	}
	var job DeployJob
	if err := p.Decode(&job); err != nil {
		return DeployJob{}, faults.Wrap(faults.CodeBadJob, "decode deploy job", err)
	}
	if err := job.Source.Validate(); err != nil {
		return DeployJob{}, err
	}
	return job, nil
}

// DeployResult is published on sys.deploy.result when a run ends.
type DeployResult struct {
	DeployID  string `json:"deploy_id"`
	SiteID    string `json:"site_id"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	URL       string `json:"url,omitempty"`
	ReleaseID string `json:"release_id,omitempty"`
	Version   string `json:"version,omitempty"`
}

const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)
