package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/scribe/internal/failure"
	"github.com/kalambet/scribe/internal/intake"
	"github.com/kalambet/scribe/internal/pipeline"
)

const recentOutcomesURI = "scribe://outcomes/recent"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Generator Generator
	Outcomes  OutcomeReader // optional; the outcomes resource is omitted when nil
	Version   string
}

// NewMCPServer creates an MCP server exposing note generation as a tool.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"scribe",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("scribe turns a doctor-patient conversation and optional clinical images into a SOAP note."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_soap_note",
			mcp.WithDescription("Generate a SOAP note (subjective, objective, assessment, plan) from a conversation transcript and optional images."),
			mcp.WithString("conversation_text", mcp.Description("The doctor-patient conversation"), mcp.Required()),
			mcp.WithArray("images", mcp.Description("Optional images as base64 strings or data URIs (PNG, JPEG, GIF, WebP, BMP, TIFF)")),
			mcp.WithString("api_key", mcp.Description("Upstream API key; the configured key is used when omitted")),
		),
		mcpGenerate(deps),
	)

	if deps.Outcomes != nil {
		s.AddResource(
			mcp.NewResource(
				recentOutcomesURI,
				"Recent Outcomes",
				mcp.WithResourceDescription("Metadata for the most recent generation requests and counts per outcome kind"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceOutcomes(deps),
		)
	}

	return s
}

func mcpGenerate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("conversation_text")
		if err != nil {
			return mcpError(fmt.Sprintf("%s: conversation_text is required", failure.InvalidInput)), nil
		}

		in := pipeline.Input{
			ConversationText: text,
			APIKey:           req.GetString("api_key", ""),
			Source:           "mcp",
		}
		images, err := mcpImages(req.GetArguments()["images"])
		if err != nil {
			fe := failure.Classify(err)
			return mcpError(fmt.Sprintf("%s: %s", fe.Kind, fe.Message)), nil
		}
		in.Images = images

		res, err := deps.Generator.Run(ctx, in)
		if err != nil {
			fe := failure.Classify(err)
			return mcpError(fmt.Sprintf("%s: %s", fe.Kind, fe.Message)), nil
		}
		return mcpText(string(res.Note.JSON())), nil
	}
}

// mcpImages decodes the images argument. Failing indices refer to positions
// in the caller's array, including elements that are not strings.
func mcpImages(arg any) ([]intake.RawImage, error) {
	var items []any
	switch v := arg.(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	default:
		return nil, failure.New(failure.InvalidInput, "images must be an array of base64 strings")
	}

	var images []intake.RawImage
	var bad []int
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			bad = append(bad, i)
			continue
		}
		data, err := decodeBase64(s)
		if err != nil {
			bad = append(bad, i)
			continue
		}
		images = append(images, intake.RawImage{Data: data})
	}
	if len(bad) > 0 {
		e := failure.New(failure.InvalidInput, "images %v are not valid base64 strings", bad)
		e.Indices = bad
		return nil, e
	}
	return images, nil
}

func mcpResourceOutcomes(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sum, err := summarizeOutcomes(deps.Outcomes, 10)
		if err != nil {
			return nil, err
		}

		b, err := json.Marshal(sum)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal outcomes: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
