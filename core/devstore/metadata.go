package devstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/lib/logger"
	"github.com/ternstore/tern/rpc/metadata"
)

var log, _ = logger.New("devstore")

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadNotFound = errors.New("object upload not found")
	ErrPartsNotContiguous = errors.New("object parts are not contiguous")
)

// Config carries the bucket-level coding defaults the metadata service
// hands to every upload.
type Config struct {
	SplitConfig model.ChunkSplitConfig
	CoderConfig model.ChunkCoderConfig
	Replicas    int
	CheckDups   bool
}

func DefaultConfig() Config {
	return Config{
		SplitConfig: model.ChunkSplitConfig{
			MinChunk:     512 << 10,
			MaxChunk:     4 << 20,
			AvgChunkBits: 20,
			CalcMD5:      true,
			CalcSHA256:   true,
		},
		CoderConfig: model.ChunkCoderConfig{
			Compress:       "zstd",
			Cipher:         "chacha20poly1305",
			FragDigestType: "blake3",
			DataFrags:      2,
			ParityFrags:    2,
		},
		Replicas:  1,
		CheckDups: true,
	}
}

type agentInfo struct {
	NodeID  uuid.UUID
	Address string
}

type multipartState struct {
	Num       int
	Size      int64
	MD5       string
	NumParts  int
	Completed bool
}

type uploadState struct {
	md         model.ObjectMD
	parts      []model.Part
	chunks     map[uuid.UUID]model.Chunk
	multiparts map[uuid.UUID]*multipartState
}

// Metadata is the embedded metadata service: object records persisted in
// a LevelDB datastore, chunk/part bookkeeping and the dedup index in
// memory, allocation round-robin across registered agents.
type Metadata struct {
	cfg     Config
	objects *dslvl.Datastore

	mu       sync.Mutex
	uploads  map[uuid.UUID]*uploadState
	objByID  map[uuid.UUID]model.ObjectMD
	partsOf  map[uuid.UUID][]model.Part
	chunks   map[uuid.UUID]model.Chunk
	written  map[uuid.UUID]bool
	dedup    map[string]uuid.UUID
	agents   []agentInfo
	rrCursor int

	errorReports  int
	stressReports int
}

func NewMetadata(cfg Config, dsPath string) (*Metadata, error) {
	store, err := dslvl.NewDatastore(fmt.Sprintf("%s/objects", dsPath), nil)
	if err != nil {
		return nil, err
	}

	return &Metadata{
		cfg:     cfg,
		objects: store,
		uploads: make(map[uuid.UUID]*uploadState),
		objByID: make(map[uuid.UUID]model.ObjectMD),
		partsOf: make(map[uuid.UUID][]model.Part),
		chunks:  make(map[uuid.UUID]model.Chunk),
		written: make(map[uuid.UUID]bool),
		dedup:   make(map[string]uuid.UUID),
	}, nil
}

func (m *Metadata) Close() error {
	return m.objects.Close()
}

func (m *Metadata) RegisterAgent(nodeID uuid.UUID, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = append(m.agents, agentInfo{NodeID: nodeID, Address: address})
}

func objectKey(bucket, key string) ds.Key {
	return ds.NewKey(fmt.Sprintf("/%s/%s", bucket, key))
}

func (m *Metadata) CreateObjectUpload(ctx context.Context, args metadata.CreateObjectUploadArgs) (*metadata.CreateObjectUploadReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	objID := uuid.New()
	m.uploads[objID] = &uploadState{
		md: model.ObjectMD{
			ObjID:       objID,
			BucketID:    uuid.New(),
			TierID:      uuid.New(),
			Bucket:      args.Bucket,
			Key:         args.Key,
			Size:        args.Size,
			ContentType: args.ContentType,
		},
		chunks:     make(map[uuid.UUID]model.Chunk),
		multiparts: make(map[uuid.UUID]*multipartState),
	}

	return &metadata.CreateObjectUploadReply{
		ObjID:            objID,
		BucketID:         m.uploads[objID].md.BucketID,
		TierID:           m.uploads[objID].md.TierID,
		ChunkSplitConfig: m.cfg.SplitConfig,
		ChunkCoderConfig: m.cfg.CoderConfig,
	}, nil
}

func (m *Metadata) CreateMultipart(ctx context.Context, args metadata.CreateMultipartArgs) (*metadata.CreateMultipartReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.uploads[args.ObjID]
	if !exists {
		return nil, ErrUploadNotFound
	}

	multipartID := uuid.New()
	state.multiparts[multipartID] = &multipartState{Num: args.Num}

	return &metadata.CreateMultipartReply{
		MultipartID:      multipartID,
		ChunkSplitConfig: m.cfg.SplitConfig,
		ChunkCoderConfig: m.cfg.CoderConfig,
	}, nil
}

// AllocateObjectParts consults the dedup index per chunk and allocates
// one block per fragment replica, round-robin across agents. The
// durability floor it hands back is the data fragment count.
func (m *Metadata) AllocateObjectParts(ctx context.Context, args metadata.AllocateObjectPartsArgs) (*metadata.AllocateObjectPartsReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.uploads[args.ObjID]; !exists {
		return nil, ErrUploadNotFound
	}

	reply := &metadata.AllocateObjectPartsReply{}
	for _, chunk := range args.Chunks {
		digestHex := hex.EncodeToString(chunk.Digest)

		if args.CheckDups && m.cfg.CheckDups {
			if dupID, isDup := m.dedup[digestHex]; isDup {
				reply.Chunks = append(reply.Chunks, metadata.ChunkAlloc{
					ChunkID:    dupID,
					DupChunkID: dupID,
				})
				continue
			}
		}

		alloc := metadata.ChunkAlloc{
			ChunkID:         uuid.New(),
			MinWrittenFrags: chunk.CoderConfig.DataFrags,
		}
		for _, frag := range chunk.Frags {
			fragAlloc := metadata.FragAlloc{Index: frag.Index, Kind: frag.Kind}
			for r := 0; r < m.cfg.Replicas; r++ {
				agent := m.nextAgent()
				fragAlloc.Blocks = append(fragAlloc.Blocks, model.Block{
					ID:         uuid.New(),
					NodeID:     agent.NodeID,
					Address:    agent.Address,
					DigestType: fragDigestType(chunk.CoderConfig),
					Digest:     frag.Digest,
				})
			}
			alloc.Frags = append(alloc.Frags, fragAlloc)
		}

		reply.Chunks = append(reply.Chunks, alloc)
	}

	return reply, nil
}

func fragDigestType(cfg model.ChunkCoderConfig) string {
	if cfg.FragDigestType == "" {
		return "blake3"
	}
	return cfg.FragDigestType
}

func (m *Metadata) nextAgent() agentInfo {
	agent := m.agents[m.rrCursor%len(m.agents)]
	m.rrCursor++
	return agent
}

func (m *Metadata) FinalizeObjectParts(ctx context.Context, args metadata.FinalizeObjectPartsArgs) (*metadata.FinalizeObjectPartsReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.uploads[args.ObjID]
	if !exists {
		return nil, ErrUploadNotFound
	}

	for _, result := range args.BlockResults {
		if result.Written {
			m.written[result.BlockID] = true
		}
	}

	state.parts = append(state.parts, args.Parts...)
	for _, chunk := range args.Chunks {
		// dup chunks (in-stream dedup hits and zero-byte copies) link
		// an already recorded chunk
		if chunk.IsDup() {
			continue
		}
		state.chunks[chunk.ID] = chunk
	}

	return &metadata.FinalizeObjectPartsReply{}, nil
}

func (m *Metadata) CompleteMultipart(ctx context.Context, args metadata.CompleteMultipartArgs) (*metadata.CompleteMultipartReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.uploads[args.ObjID]
	if !exists {
		return nil, ErrUploadNotFound
	}
	multipart, exists := state.multiparts[args.MultipartID]
	if !exists {
		return nil, ErrUploadNotFound
	}

	multipart.Size = args.Size
	multipart.MD5 = args.MD5
	multipart.NumParts = args.NumParts
	multipart.Completed = true

	return &metadata.CompleteMultipartReply{Etag: args.MD5}, nil
}

// CompleteObjectUpload verifies part contiguity, rewrites multipart
// offsets to absolute object offsets, persists the object record and
// publishes parts and chunks for reads. Completing over an existing
// bucket/key replaces the prior object version.
func (m *Metadata) CompleteObjectUpload(ctx context.Context, args metadata.CompleteObjectUploadArgs) (*metadata.CompleteObjectUploadReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.uploads[args.ObjID]
	if !exists {
		return nil, ErrUploadNotFound
	}

	parts, err := m.arrangeParts(state)
	if err != nil {
		return nil, err
	}

	var size int64
	for _, part := range parts {
		size += part.End - part.Start
	}
	if args.Size >= 0 && size != args.Size {
		return nil, fmt.Errorf("%w: parts cover %d bytes, completion says %d", ErrPartsNotContiguous, size, args.Size)
	}

	md := state.md
	md.Size = size
	md.MD5 = args.MD5
	md.SHA256 = args.SHA256
	md.Etag = args.MD5
	md.NumParts = len(parts)
	md.CreateTime = time.Now()

	record, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}

	key := objectKey(md.Bucket, md.Key)
	if prior, err := m.objects.Get(ctx, key); err == nil {
		var priorMD model.ObjectMD
		if json.Unmarshal(prior, &priorMD) == nil {
			delete(m.objByID, priorMD.ObjID)
			delete(m.partsOf, priorMD.ObjID)
		}
	}
	if err := m.objects.Put(ctx, key, record); err != nil {
		return nil, err
	}

	m.objByID[md.ObjID] = md
	m.partsOf[md.ObjID] = parts
	// chunks and dedup entries publish only at completion so aborted
	// uploads leave no dangling dedup targets
	for id, chunk := range state.chunks {
		m.chunks[id] = chunk
		m.dedup[hex.EncodeToString(chunk.Digest)] = id
	}
	delete(m.uploads, args.ObjID)

	return &metadata.CompleteObjectUploadReply{Etag: md.Etag}, nil
}

// arrangeParts orders the upload's parts into one contiguous object
// layout. Multipart parts carry part-relative offsets which are rewritten
// here, multiparts ordered by Num.
func (m *Metadata) arrangeParts(state *uploadState) ([]model.Part, error) {
	byMultipart := make(map[uuid.UUID][]model.Part)
	for _, part := range state.parts {
		byMultipart[part.MultipartID] = append(byMultipart[part.MultipartID], part)
	}

	var multipartIDs []uuid.UUID
	for id := range byMultipart {
		multipartIDs = append(multipartIDs, id)
	}
	sort.Slice(multipartIDs, func(i, j int) bool {
		a, b := state.multiparts[multipartIDs[i]], state.multiparts[multipartIDs[j]]
		an, bn := 0, 0
		if a != nil {
			an = a.Num
		}
		if b != nil {
			bn = b.Num
		}
		return an < bn
	})

	var arranged []model.Part
	var base int64
	seq := 0
	for _, multipartID := range multipartIDs {
		parts := byMultipart[multipartID]
		sort.Slice(parts, func(i, j int) bool { return parts[i].Start < parts[j].Start })

		var cursor int64
		for _, part := range parts {
			if part.Start != cursor {
				return nil, fmt.Errorf("%w: gap at %d within multipart %s", ErrPartsNotContiguous, cursor, multipartID)
			}
			cursor = part.End

			part.Start += base
			part.End += base
			part.Seq = seq
			seq++
			arranged = append(arranged, part)
		}
		base += cursor
	}

	return arranged, nil
}

func (m *Metadata) AbortObjectUpload(ctx context.Context, args metadata.AbortObjectUploadArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.uploads, args.ObjID)
	return nil
}

func (m *Metadata) ReadObjectMD(ctx context.Context, args metadata.ReadObjectMDArgs) (*metadata.ReadObjectMDReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if args.ObjID != uuid.Nil {
		md, exists := m.objByID[args.ObjID]
		if !exists {
			return nil, ErrObjectNotFound
		}
		return &metadata.ReadObjectMDReply{ObjectMD: md}, nil
	}

	record, err := m.objects.Get(ctx, objectKey(args.Bucket, args.Key))
	if err != nil {
		return nil, ErrObjectNotFound
	}

	var md model.ObjectMD
	if err := json.Unmarshal(record, &md); err != nil {
		return nil, err
	}
	return &metadata.ReadObjectMDReply{ObjectMD: md}, nil
}

func (m *Metadata) ReadObjectMappings(ctx context.Context, args metadata.ReadObjectMappingsArgs) (*metadata.ReadObjectMappingsReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, exists := m.objByID[args.ObjID]
	if !exists {
		return nil, ErrObjectNotFound
	}

	mapping := model.ObjectMapping{ObjectMD: md}
	seen := make(map[uuid.UUID]bool)
	for _, part := range m.partsOf[args.ObjID] {
		if part.End <= args.Start || part.Start >= args.End {
			continue
		}
		mapping.Parts = append(mapping.Parts, part)

		if seen[part.ChunkID] {
			continue
		}
		seen[part.ChunkID] = true

		chunk, exists := m.chunks[part.ChunkID]
		if !exists {
			return nil, fmt.Errorf("chunk %s of object %s is missing", part.ChunkID, args.ObjID)
		}
		mapping.Chunks = append(mapping.Chunks, m.chunkWithWrittenBlocks(chunk))
	}

	return &metadata.ReadObjectMappingsReply{Mapping: mapping}, nil
}

// chunkWithWrittenBlocks filters each fragment's replica list down to
// blocks that were actually written.
func (m *Metadata) chunkWithWrittenBlocks(chunk model.Chunk) model.Chunk {
	out := chunk
	out.Frags = make([]model.Frag, len(chunk.Frags))
	for i, frag := range chunk.Frags {
		filtered := frag
		filtered.Blocks = nil
		for _, block := range frag.Blocks {
			if m.written[block.ID] {
				filtered.Blocks = append(filtered.Blocks, block)
			}
		}
		out.Frags[i] = filtered
	}
	return out
}

func (m *Metadata) ReportErrorOnObject(ctx context.Context, args metadata.ReportErrorOnObjectArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errorReports++
	log.Warnw("object error report",
		"action", args.Action, "obj", args.ObjID, "block", args.BlockMD.ID,
		"rpcCode", args.RPCCode, "message", args.Message)
	return nil
}

func (m *Metadata) ReportEndpointProblems(ctx context.Context, args metadata.ReportEndpointProblemsArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stressReports++
	log.Warnw("endpoint problem report", "problem", args.Problem, "message", args.Message)
	return nil
}

// ErrorReports returns how many block error reports were filed.
func (m *Metadata) ErrorReports() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorReports
}

// StressReports returns how many endpoint stress reports were filed.
func (m *Metadata) StressReports() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stressReports
}
