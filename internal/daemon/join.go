package daemon

import (
	"context"
	"fmt"

	"github.com/quietwire/groupd/internal/observability"
	"github.com/quietwire/groupd/pkg/group"
)

// JoinResult is the outcome of joining a group through its invite link.
type JoinResult struct {
	// Requested is true when the link requires admin approval: the
	// account is now a requesting member and holds no group state yet.
	Requested bool

	// JoinInfo is the link preview the join was based on.
	JoinInfo group.JoinInfo

	// Snapshot is the committed local state after a direct join. Zero
	// when Requested.
	Snapshot group.Snapshot
}

// JoinViaLink joins the group behind an invite link URL. Depending on
// the link's access policy the account either becomes a full member
// immediately or lands in the requesting list awaiting admin approval.
// A disabled link surfaces group.ErrLinkInactive.
func (d *Daemon) JoinViaLink(ctx context.Context, link string) (JoinResult, error) {
	op, ctx := observability.StartOperation(ctx, d.metrics, "daemon.join_via_link")
	res, err := d.joinViaLink(ctx, link)
	op.End(err)
	return res, err
}

func (d *Daemon) joinViaLink(ctx context.Context, link string) (JoinResult, error) {
	decoded, err := group.DecodeInviteLink(link)
	if err != nil {
		return JoinResult{}, err
	}

	params := group.DeriveSecretParams(decoded.MasterKey)
	id := params.ID()
	log := d.log.WithGroup("group", id[:])

	encInfo, err := d.transport.FetchJoinInfo(ctx, id, decoded.Password)
	if err != nil {
		return JoinResult{}, err
	}
	info, err := d.provider.DecryptJoinInfo(params, encInfo)
	if err != nil {
		return JoinResult{}, err
	}

	change := group.Change{
		Editor:   d.self,
		Revision: info.Revision + 1,
	}
	switch info.AddFromInviteLink {
	case group.AccessAny:
		change.NewMembers = []group.Member{{
			Service:          d.self,
			Role:             group.RoleDefault,
			ProfileKey:       d.selfPK,
			JoinedAtRevision: change.Revision,
		}}
	case group.AccessAdministrator:
		change.NewRequestingMembers = []group.RequestingMember{{
			Service:             d.self,
			ProfileKey:          d.selfPK,
			RequestedAtRevision: change.Revision,
		}}
	default:
		return JoinResult{}, group.ErrLinkInactive
	}

	rec, err := d.provider.BuildChange(params, change)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join via link: build record: %w", err)
	}
	if _, err := d.transport.SubmitChange(ctx, id, rec); err != nil {
		return JoinResult{}, err
	}

	if info.RequiresAdminApproval() {
		log.InfoContext(ctx, "join requested, awaiting admin approval", "revision", change.Revision)
		return JoinResult{Requested: true, JoinInfo: info}, nil
	}

	snap, err := d.resolver.Resolve(ctx, decoded.MasterKey, group.RevisionLatest)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join via link: fetch joined state: %w", err)
	}
	log.InfoContext(ctx, "joined group via link", "revision", snap.Revision)
	return JoinResult{JoinInfo: info, Snapshot: snap}, nil
}
