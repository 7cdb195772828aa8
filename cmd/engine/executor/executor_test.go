package executor

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/cmd/engine/nodes"
	"github.com/lyzr/chatflow/cmd/engine/registry"
	"github.com/lyzr/chatflow/cmd/engine/schema"
	"github.com/lyzr/chatflow/common/llm"
	"github.com/lyzr/chatflow/common/logger"
	"github.com/lyzr/chatflow/common/models"
	"github.com/lyzr/chatflow/common/session"
)

type captureStore struct {
	created   *models.WorkflowRun
	finalized *models.WorkflowRun
	trace     []*models.NodeExecution
}

func (s *captureStore) Create(ctx context.Context, run *models.WorkflowRun) error {
	s.created = run
	return nil
}

func (s *captureStore) Finalize(ctx context.Context, run *models.WorkflowRun, executions []*models.NodeExecution) error {
	s.finalized = run
	s.trace = executions
	return nil
}

func (s *captureStore) node(nodeID string) *models.NodeExecution {
	for _, exec := range s.trace {
		if exec.NodeID == nodeID {
			return exec
		}
	}
	return nil
}

// errSink collects chunks and the terminal error frame
type errSink struct {
	chunks  []string
	code    string
	message string
}

func (s *errSink) EmitChunk(text string) {
	s.chunks = append(s.chunks, text)
}

func (s *errSink) EmitError(code, message string) {
	s.code = code
	s.message = message
}

func (s *errSink) Text() string {
	var out string
	for _, c := range s.chunks {
		out += c
	}
	return out
}

type runEnv struct {
	executor *Executor
	store    *captureStore
	sessions *session.MemoryStore
	client   *llm.ScriptedClient
}

func newRunEnv(t *testing.T, responses ...llm.ScriptedResponse) *runEnv {
	t.Helper()
	log := logger.New("error", "console")

	client := llm.NewScriptedClient(responses...)
	facade := llm.NewFacadeWithClients(map[string]llm.Client{"openai": client}, "openai", log)
	sessions := session.NewMemoryStore()
	store := &captureStore{}

	services := &registry.Services{LLM: facade, Logger: log}
	return &runEnv{
		executor: New(nodes.NewRegistry(), store, nil, sessions, services, Config{}, log),
		store:    store,
		sessions: sessions,
		client:   client,
	}
}

func execRequest(g *schema.Graph, userMessage string, sink registry.StreamSink) *Request {
	return &Request{
		Graph:             g,
		WorkflowVersionID: uuid.New(),
		BotID:             "bot-1",
		UserID:            "user-1",
		SessionID:         "sess-1",
		UserMessage:       userMessage,
		Sink:              sink,
	}
}

// start -> llm -> answer -> end, wired through placeholder edge handles
// the validator normalizes.
func linearGraph() *schema.Graph {
	return &schema.Graph{
		Nodes: []schema.Node{
			{ID: "start-1", Type: schema.TypeStart},
			{ID: "llm-1", Type: schema.TypeLLM, Config: map[string]any{
				"provider":        "openai",
				"model":           "gpt-4o-mini",
				"prompt_template": "{{ query }}",
			}},
			{ID: "answer-1", Type: schema.TypeAnswer, Config: map[string]any{
				"template": "{{ llm-1.response }}",
			}},
			{ID: "end-1", Type: schema.TypeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start-1", SourcePort: "source", Target: "llm-1", TargetPort: "target"},
			{ID: "e2", Source: "llm-1", SourcePort: "source", Target: "answer-1", TargetPort: "target"},
			{ID: "e3", Source: "answer-1", SourcePort: "source", Target: "end-1", TargetPort: "target"},
		},
	}
}

// start -> if-else fanning out to two answers converging on one end
func branchGraph(wireElse bool) *schema.Graph {
	g := &schema.Graph{
		Nodes: []schema.Node{
			{ID: "start-1", Type: schema.TypeStart},
			{ID: "branch-1", Type: schema.TypeIfElse, Config: map[string]any{
				"cases": []any{
					map[string]any{
						"case_id":          "case_1",
						"logical_operator": "and",
						"conditions": []any{
							map[string]any{
								"variable_selector":   "start-1.query",
								"comparison_operator": "contains",
								"value":               "사과",
							},
						},
					},
				},
			}},
			{ID: "answer-a", Type: schema.TypeAnswer, Config: map[string]any{"template": "사과입니다"}},
			{ID: "end-1", Type: schema.TypeEnd, VariableMappings: map[string]string{
				"response": "answer-a.final_output",
			}},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start-1", SourcePort: "source", Target: "branch-1", TargetPort: "target"},
			{ID: "e2", Source: "branch-1", SourcePort: "case_1", Target: "answer-a", TargetPort: "target"},
			{ID: "e3", Source: "answer-a", SourcePort: "source", Target: "end-1", TargetPort: "target"},
		},
	}

	if wireElse {
		g.Nodes = append(g.Nodes, schema.Node{
			ID: "answer-b", Type: schema.TypeAnswer, Config: map[string]any{"template": "다른 과일입니다"},
		})
		g.Edges = append(g.Edges,
			schema.Edge{ID: "e4", Source: "branch-1", SourcePort: "else", Target: "answer-b", TargetPort: "target"},
			schema.Edge{ID: "e5", Source: "answer-b", SourcePort: "source", Target: "end-1", TargetPort: "target"},
		)
	}
	return g
}

// Two-turn feedback flow: the first turn routes through the llm and
// stamps conversation state, the second turn routes through the
// classifier and reuses the remembered query on the negative branch.
func feedbackGraph() *schema.Graph {
	return &schema.Graph{
		ConversationVariables: map[string]any{"feedback_stage": "", "last_query": ""},
		Nodes: []schema.Node{
			{ID: "start-1", Type: schema.TypeStart},
			{ID: "stage-1", Type: schema.TypeIfElse, Config: map[string]any{
				"cases": []any{
					map[string]any{
						"case_id":          "case_initial",
						"logical_operator": "and",
						"conditions": []any{
							map[string]any{
								"variable_selector":   "conv.feedback_stage",
								"comparison_operator": "is_empty",
							},
						},
					},
				},
			}},
			{ID: "llm-1", Type: schema.TypeLLM,
				Config: map[string]any{
					"provider":        "openai",
					"model":           "gpt-4o-mini",
					"prompt_template": "{{ query }}",
				},
				VariableMappings: map[string]string{"query": "start-1.query"},
			},
			{ID: "assign-1", Type: schema.TypeAssigner,
				Config: map[string]any{
					"operations": []any{
						map[string]any{
							"write_mode":     "over-write",
							"input_type":     "constant",
							"constant_value": "wait_feedback",
						},
						map[string]any{"write_mode": "over-write", "input_type": "variable"},
					},
				},
				Ports: schema.Ports{Inputs: []schema.Port{
					{Name: "trigger", Type: schema.PortAny},
					{Name: "operation_0_target", Type: schema.PortString, Default: "conv.feedback_stage"},
					{Name: "operation_1_target", Type: schema.PortString, Default: "conv.last_query"},
					{Name: "operation_1_value", Type: schema.PortAny},
				}},
				VariableMappings: map[string]string{"operation_1_value": "start-1.query"},
			},
			{ID: "answer-init", Type: schema.TypeAnswer, Config: map[string]any{
				"template": "{{ llm-1.response }}",
			}},
			{ID: "end-1", Type: schema.TypeEnd},
			{ID: "classify-1", Type: schema.TypeQuestionClassifier, Config: map[string]any{
				"provider":       "openai",
				"model":          "gpt-4o-mini",
				"query_template": "{{ sys.user_message }}",
				"classes": []any{
					map[string]any{"id": "positive", "name": "긍정"},
					map[string]any{"id": "negative", "name": "부정"},
				},
			}},
			{ID: "answer-pos", Type: schema.TypeAnswer, Config: map[string]any{"template": "완료되었습니다!"}},
			{ID: "answer-neg", Type: schema.TypeAnswer, Config: map[string]any{
				"template": "{{ conv.last_query }} 질문을 다시 확인할게요",
			}},
			{ID: "end-2", Type: schema.TypeEnd},
			{ID: "end-3", Type: schema.TypeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start-1", SourcePort: "source", Target: "stage-1", TargetPort: "target"},
			{ID: "e2", Source: "stage-1", SourcePort: "case_initial", Target: "llm-1", TargetPort: "target"},
			{ID: "e3", Source: "llm-1", SourcePort: "source", Target: "assign-1", TargetPort: "target"},
			{ID: "e4", Source: "llm-1", SourcePort: "source", Target: "answer-init", TargetPort: "target"},
			{ID: "e5", Source: "answer-init", SourcePort: "source", Target: "end-1", TargetPort: "target"},
			{ID: "e6", Source: "stage-1", SourcePort: "else", Target: "classify-1", TargetPort: "target"},
			{ID: "e7", Source: "classify-1", SourcePort: nodes.ClassifierPort("positive"), Target: "answer-pos", TargetPort: "target"},
			{ID: "e8", Source: "classify-1", SourcePort: nodes.ClassifierPort("negative"), Target: "answer-neg", TargetPort: "target"},
			{ID: "e9", Source: "answer-pos", SourcePort: "source", Target: "end-3", TargetPort: "target"},
			{ID: "e10", Source: "answer-neg", SourcePort: "source", Target: "end-2", TargetPort: "target"},
		},
	}
}

func TestExecute_LinearFlow(t *testing.T) {
	env := newRunEnv(t, llm.ScriptedResponse{
		Text:  "파이썬은 인터프리터 언어입니다",
		Usage: llm.Usage{InputTokens: 5, OutputTokens: 7},
	})

	resp, err := env.executor.Execute(context.Background(),
		execRequest(linearGraph(), "파이썬이 뭐야?", nil))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, resp.Status)
	assert.Equal(t, "파이썬은 인터프리터 언어입니다", resp.FinalResponse)
	assert.Equal(t, 4, resp.TotalSteps)
	assert.Equal(t, 12, resp.TotalTokens)

	require.NotNil(t, env.store.finalized)
	assert.Equal(t, map[string]any{"response": "파이썬은 인터프리터 언어입니다"}, env.store.finalized.Outputs)
	require.Len(t, env.store.trace, 4)
	assert.Equal(t, "start-1", env.store.trace[0].NodeID)
	assert.Equal(t, "end-1", env.store.trace[3].NodeID)

	// The user message flows from system scope through the start node
	// into the llm input mapping.
	assert.Equal(t, "파이썬이 뭐야?", env.store.node("start-1").Outputs["query"])
	assert.Equal(t, "파이썬이 뭐야?", env.store.node("llm-1").Inputs["query"])
	assert.Equal(t, 12, env.store.node("llm-1").TokensUsed)
}

func TestExecute_StreamsAnswerOnce(t *testing.T) {
	env := newRunEnv(t, llm.ScriptedResponse{Text: "스트리밍 응답 테스트"})
	sink := &errSink{}

	resp, err := env.executor.Execute(context.Background(),
		execRequest(linearGraph(), "질문", sink))
	require.NoError(t, err)

	// Token chunks arrive incrementally and the answer node does not
	// re-emit the already streamed text.
	assert.Greater(t, len(sink.chunks), 1)
	assert.Equal(t, "스트리밍 응답 테스트", sink.Text())
	assert.Equal(t, "스트리밍 응답 테스트", resp.FinalResponse)
	assert.Empty(t, sink.code)
}

func TestExecute_BranchSkipsUntakenPath(t *testing.T) {
	env := newRunEnv(t)

	resp, err := env.executor.Execute(context.Background(),
		execRequest(branchGraph(true), "사과 주세요", nil))
	require.NoError(t, err)

	assert.Equal(t, "사과입니다", resp.FinalResponse)
	assert.Equal(t, "case_1", env.store.node("branch-1").ProcessData["selected_case"])
	assert.Equal(t, models.NodeExecutionCompleted, env.store.node("answer-a").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("answer-b").Status)
	assert.Equal(t, models.NodeExecutionCompleted, env.store.node("end-1").Status)
}

func TestExecute_ConvergingAnswerRendersSkippedBranchEmpty(t *testing.T) {
	env := newRunEnv(t)

	// Both branch arms feed one converging answer whose template
	// references each arm's output.
	g := &schema.Graph{
		Nodes: []schema.Node{
			{ID: "start-1", Type: schema.TypeStart},
			{ID: "branch-1", Type: schema.TypeIfElse, Config: map[string]any{
				"cases": []any{
					map[string]any{
						"case_id":          "case_1",
						"logical_operator": "and",
						"conditions": []any{
							map[string]any{
								"variable_selector":   "start-1.query",
								"comparison_operator": "contains",
								"value":               "사과",
							},
						},
					},
				},
			}},
			{ID: "answer-a", Type: schema.TypeAnswer, Config: map[string]any{"template": "사과"}},
			{ID: "answer-b", Type: schema.TypeAnswer, Config: map[string]any{"template": "바나나"}},
			{ID: "answer-final", Type: schema.TypeAnswer, Config: map[string]any{
				"template": "{{ answer-a.final_output }}{{ answer-b.final_output }}",
			}},
			{ID: "end-1", Type: schema.TypeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start-1", SourcePort: "source", Target: "branch-1", TargetPort: "target"},
			{ID: "e2", Source: "branch-1", SourcePort: "case_1", Target: "answer-a", TargetPort: "target"},
			{ID: "e3", Source: "branch-1", SourcePort: "else", Target: "answer-b", TargetPort: "target"},
			{ID: "e4", Source: "answer-a", SourcePort: "source", Target: "answer-final", TargetPort: "target"},
			{ID: "e5", Source: "answer-b", SourcePort: "source", Target: "answer-final", TargetPort: "target"},
			{ID: "e6", Source: "answer-final", SourcePort: "source", Target: "end-1", TargetPort: "target"},
		},
	}

	resp, err := env.executor.Execute(context.Background(), execRequest(g, "사과 주세요", nil))
	require.NoError(t, err)

	// The untaken arm renders as an empty string instead of failing the
	// template.
	assert.Equal(t, models.RunStatusCompleted, resp.Status)
	assert.Equal(t, "사과", resp.FinalResponse)
	assert.Equal(t, models.NodeExecutionCompleted, env.store.node("answer-a").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("answer-b").Status)
	assert.Equal(t, models.NodeExecutionCompleted, env.store.node("answer-final").Status)
	assert.Equal(t, "사과", env.store.node("answer-final").Outputs["final_output"])
}

func TestExecute_SkipCascadeWithoutTerminal(t *testing.T) {
	env := newRunEnv(t)
	sink := &errSink{}

	// The else branch is unconnected, so a non-matching query skips the
	// whole answer path and no response is produced.
	resp, err := env.executor.Execute(context.Background(),
		execRequest(branchGraph(false), "바나나 주세요", sink))
	require.Error(t, err)

	var runErr *Error
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, CodeNoAnswer, runErr.Code)
	assert.Equal(t, models.RunStatusFailed, resp.Status)
	assert.Equal(t, CodeNoAnswer, sink.code)

	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("answer-a").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("end-1").Status)
}

func TestExecute_ValidationFailureWritesNoRun(t *testing.T) {
	env := newRunEnv(t)

	g := linearGraph()
	g.Nodes = g.Nodes[1:] // drop the start node
	g.Edges = g.Edges[1:]

	resp, err := env.executor.Execute(context.Background(), execRequest(g, "질문", nil))
	require.Error(t, err)

	var runErr *Error
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, CodeValidationFailed, runErr.Code)
	assert.Equal(t, models.RunStatusFailed, resp.Status)
	assert.Nil(t, env.store.created)
	assert.Nil(t, env.store.finalized)
}

func TestExecute_RetriesTransientNodeFailure(t *testing.T) {
	env := newRunEnv(t,
		llm.ScriptedResponse{Err: llm.ErrTimeout},
		llm.ScriptedResponse{Err: llm.ErrTimeout},
		llm.ScriptedResponse{Text: "재시도 성공"},
	)

	resp, err := env.executor.Execute(context.Background(),
		execRequest(linearGraph(), "질문", nil))
	require.NoError(t, err)

	assert.Equal(t, "재시도 성공", resp.FinalResponse)
	assert.Len(t, env.client.Calls(), 3)
}

func TestExecute_FatalProviderErrorFailsRun(t *testing.T) {
	env := newRunEnv(t, llm.ScriptedResponse{Err: llm.ErrAuth})
	sink := &errSink{}

	resp, err := env.executor.Execute(context.Background(),
		execRequest(linearGraph(), "질문", sink))
	require.Error(t, err)

	var runErr *Error
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, CodeLLMAuth, runErr.Code)
	assert.Equal(t, models.RunStatusFailed, resp.Status)
	assert.Equal(t, CodeLLMAuth, sink.code)

	// The walk stops at the failed node; downstream nodes are not
	// recorded.
	require.Len(t, env.store.trace, 2)
	assert.Equal(t, models.NodeExecutionFailed, env.store.node("llm-1").Status)
	require.NotNil(t, env.store.node("llm-1").ErrorMessage)
	require.NotNil(t, env.store.finalized)
	assert.Equal(t, models.RunStatusFailed, env.store.finalized.Status)
}

func TestExecute_UnresolvedRequiredInput(t *testing.T) {
	env := newRunEnv(t)

	g := linearGraph()
	llmNode, ok := g.Node("llm-1")
	require.True(t, ok)
	llmNode.VariableMappings = map[string]string{"query": "conv.missing_topic"}

	_, err := env.executor.Execute(context.Background(), execRequest(g, "질문", nil))
	require.Error(t, err)

	var runErr *Error
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, CodeNodeInputUnresolved, runErr.Code)
}

func TestExecute_AssignerPersistsConversation(t *testing.T) {
	env := newRunEnv(t)

	g := &schema.Graph{
		Nodes: []schema.Node{
			{ID: "start-1", Type: schema.TypeStart},
			{
				ID:   "assign-1",
				Type: schema.TypeAssigner,
				Config: map[string]any{
					"operations": []any{map[string]any{
						"write_mode":     "over-write",
						"input_type":     "constant",
						"constant_value": "과일",
					}},
				},
				Ports: schema.Ports{Inputs: []schema.Port{
					{Name: "trigger", Type: schema.PortAny},
					{Name: "operation_0_target", Type: schema.PortString, Default: "conv.topic"},
				}},
			},
			{ID: "answer-1", Type: schema.TypeAnswer, Config: map[string]any{"template": "주제를 저장했습니다"}},
			{ID: "end-1", Type: schema.TypeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start-1", SourcePort: "source", Target: "assign-1", TargetPort: "target"},
			{ID: "e2", Source: "assign-1", SourcePort: "source", Target: "answer-1", TargetPort: "target"},
			{ID: "e3", Source: "answer-1", SourcePort: "source", Target: "end-1", TargetPort: "target"},
		},
	}

	resp, err := env.executor.Execute(context.Background(), execRequest(g, "기억해줘", nil))
	require.NoError(t, err)
	assert.Equal(t, "주제를 저장했습니다", resp.FinalResponse)

	// The conversation write is visible to the next turn of the session
	values, err := env.sessions.GetAll(context.Background(), "bot-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "과일", values["topic"])
}

func TestExecute_FeedbackLoopRoutesByStage(t *testing.T) {
	env := newRunEnv(t,
		llm.ScriptedResponse{Text: "파이썬 설명을 정리했습니다"},
		llm.ScriptedResponse{Text: "negative"},
	)

	// First turn: feedback_stage is empty, so the flow answers through
	// the llm and stamps the conversation for the follow-up.
	resp, err := env.executor.Execute(context.Background(),
		execRequest(feedbackGraph(), "파이썬이 뭐야?", nil))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, resp.Status)
	assert.Equal(t, "파이썬 설명을 정리했습니다", resp.FinalResponse)
	assert.Equal(t, models.NodeExecutionCompleted, env.store.node("end-1").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("classify-1").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("answer-neg").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("end-2").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("end-3").Status)

	values, err := env.sessions.GetAll(context.Background(), "bot-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "wait_feedback", values["feedback_stage"])
	assert.Equal(t, "파이썬이 뭐야?", values["last_query"])

	// Second turn of the same session: the classifier routes the negative
	// feedback and the answer reuses the remembered query.
	resp, err = env.executor.Execute(context.Background(),
		execRequest(feedbackGraph(), "아니요, 다시 설명해줘", nil))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, resp.Status)
	assert.Equal(t, "파이썬이 뭐야? 질문을 다시 확인할게요", resp.FinalResponse)
	assert.Equal(t, "negative", env.store.node("classify-1").ProcessData["class_id"])
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("llm-1").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("assign-1").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("answer-init").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("end-1").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("answer-pos").Status)
	assert.Equal(t, models.NodeExecutionSkipped, env.store.node("end-3").Status)
	assert.Equal(t, models.NodeExecutionCompleted, env.store.node("end-2").Status)

	// One provider call per turn: the llm on the first, the classifier on
	// the second.
	assert.Len(t, env.client.Calls(), 2)
}

func TestExecute_CancelledContext(t *testing.T) {
	env := newRunEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := env.executor.Execute(ctx, execRequest(linearGraph(), "질문", nil))
	require.Error(t, err)

	var runErr *Error
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, CodeCancelled, runErr.Code)
	assert.Equal(t, models.RunStatusCancelled, resp.Status)

	// The trace is still finalized despite the cancelled caller context
	require.NotNil(t, env.store.finalized)
	assert.Equal(t, models.RunStatusCancelled, env.store.finalized.Status)
}

func TestCoerce(t *testing.T) {
	v, ok := coerce(schema.PortNumber, "3.5")
	require.True(t, ok)
	assert.Equal(t, 3.5, v)

	v, ok = coerce(schema.PortString, 42.0)
	require.True(t, ok)
	assert.Equal(t, "42", v)

	_, ok = coerce(schema.PortNumber, "not a number")
	assert.False(t, ok)

	_, ok = coerce(schema.PortArray, map[string]any{})
	assert.False(t, ok)

	v, ok = coerce(schema.PortAny, []any{"x"})
	require.True(t, ok)
	assert.Equal(t, []any{"x"}, v)
}
