// Package reshard_test: coordinator, participants, and abort end to end
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package reshard_test

import (
	"context"
	"errors"
	"sync"
	ratomic "sync/atomic"
	"time"

	"github.com/NVIDIA/reshard/cmn"
	"github.com/NVIDIA/reshard/core/meta"
	"github.com/NVIDIA/reshard/reshard"
	"github.com/NVIDIA/reshard/stats"
	"github.com/NVIDIA/reshard/txn"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.mongodb.org/mongo-driver/bson"
)

var allStates = []reshard.State{
	reshard.StatePreparingTopology,
	reshard.StateCloning,
	reshard.StateApplying,
	reshard.StateBlockingWrites,
	reshard.StateCheckingCommit,
	reshard.StateDecisionPersisted,
	reshard.StateDone,
}

var _ = Describe("Coordinator", func() {
	var tc *tcluster

	BeforeEach(func() {
		tc = newTCluster()
	})
	AfterEach(func() {
		tc.stop()
	})

	Describe("commit", func() {
		It("reshards onto preset recipients", func() {
			var (
				mu          sync.Mutex
				transitions []reshard.State
			)
			tc.hooks.OnTransition = func(_ *reshard.Operation, _, to reshard.State) {
				mu.Lock()
				transitions = append(transitions, to)
				mu.Unlock()
			}
			before, err := tc.cat.Get(testNS)
			Expect(err).NotTo(HaveOccurred())

			Expect(<-tc.start(newKey, presetCD())).To(Succeed())

			cm, err := tc.cat.Get(testNS)
			Expect(err).NotTo(HaveOccurred())
			Expect(cm.Key.Equal(newKey)).To(BeTrue())
			Expect(cm.UUID).NotTo(Equal(before.UUID))
			Expect(cm.Epoch).NotTo(Equal(before.Epoch))
			Expect(cm.Chunks).To(HaveLen(2))
			Expect(cm.Chunks.Shards()).To(ConsistOf(meta.ShardID("C"), meta.ShardID("D")))

			tc.expectPlaced(numDocs)
			Expect(tc.nodes["A"].Count(testNS)).To(BeZero())
			Expect(tc.nodes["C"].Count(testNS)).To(Equal(numDocs / 2))

			mu.Lock()
			Expect(transitions).To(Equal(allStates))
			mu.Unlock()
			Expect(tc.tracker.Get(stats.ReshardCommits)).To(BeEquivalentTo(1))

			_, err = tc.store.Get(testNS)
			Expect(err).To(HaveOccurred())
			Expect(tc.coord.Wait(context.Background(), testNS)).To(Succeed())
		})

		It("replicates writes made while cloning and applying", func() {
			cloning := tc.hooks.Barrier(reshard.PauseAfter(reshard.StateCloning)).Enable()
			applying := tc.hooks.Barrier(reshard.PauseAfter(reshard.StateApplying)).Enable()
			ch := tc.start(newKey, presetCD())

			tc.waitBarrier(reshard.PauseAfter(reshard.StateCloning))
			tc.insert(100, 100, 0)
			tc.insert(101, -100, 3)
			cloning.Off()

			tc.waitBarrier(reshard.PauseAfter(reshard.StateApplying))
			ctx := context.Background()
			// _id 4 moves from C to D under the new key
			res, err := tc.router.Update(ctx, &txn.UpdateRequest{NS: testNS,
				Filter: bson.D{{Key: "x", Value: 4 - numDocs/2}}, Set: bson.D{{Key: "y", Value: 3}}})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.N).To(Equal(1))
			n, err := tc.router.Delete(ctx, &txn.DeleteRequest{NS: testNS, Filter: bson.D{{Key: "x", Value: 100}}})
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			tc.insert(102, 102, 1)
			applying.Off()

			Expect(<-ch).To(Succeed())
			tc.expectPlaced(numDocs + 2)
			docs := tc.all()
			Expect(docs).To(HaveKey("101"))
			Expect(docs).To(HaveKey("102"))
			Expect(docs).NotTo(HaveKey("100"))
			Expect(fieldOf(docs["4"], "y")).To(Equal("3"))
			found, err := tc.nodes["D"].Find(ctx, testNS, bson.D{{Key: "_id", Value: 4}})
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(HaveLen(1))
			Expect(tc.tracker.Get(stats.OplogApplied)).To(BeNumerically(">", 0))
		})

		It("carries the transaction history over to the recipients", func() {
			var (
				ctx = context.Background()
				// _id 0 moves from A to B: upgraded to an internal transaction
				moved = func() *txn.UpdateRequest {
					return &txn.UpdateRequest{Session: txn.Session{LSID: "s1", TxnNum: 1}, NS: testNS,
						Filter: bson.D{{Key: "x", Value: -numDocs / 2}}, Set: bson.D{{Key: "x", Value: 5}}}
				}
				// plain retryable writes, before and while applying
				plain = func(lsid string, id int) *txn.UpdateRequest {
					return &txn.UpdateRequest{Session: txn.Session{LSID: lsid, TxnNum: 1}, NS: testNS,
						Filter: bson.D{{Key: "x", Value: id - numDocs/2}}, Set: bson.D{{Key: "z", Value: 1}}}
				}
			)
			res, err := tc.router.Update(ctx, moved())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Upgraded).To(BeTrue())
			_, err = tc.router.Update(ctx, moved())
			Expect(cmn.IsErrIncompleteTxnHistory(err)).To(BeTrue(), "%v", err)
			_, err = tc.router.Update(ctx, plain("s2", 5))
			Expect(err).NotTo(HaveOccurred())

			applying := tc.hooks.Barrier(reshard.PauseAfter(reshard.StateApplying)).Enable()
			ch := tc.start(newKey, presetCD())
			tc.waitBarrier(reshard.PauseAfter(reshard.StateApplying))
			_, err = tc.router.Update(ctx, plain("s3", 7))
			Expect(err).NotTo(HaveOccurred())
			applying.Off()
			Expect(<-ch).To(Succeed())

			for _, req := range []*txn.UpdateRequest{moved(), plain("s2", 5), plain("s3", 7)} {
				_, err = tc.router.Update(ctx, req)
				Expect(cmn.IsErrIncompleteTxnHistory(err)).To(BeTrue(), "%s: %v", req.LSID, err)
			}
			// by _id, whatever the shard key
			for _, id := range []meta.ShardID{"C", "D"} {
				for _, lsid := range []string{"s1", "s2", "s3"} {
					e, ok := tc.nodes[id].Ledger().Get(lsid)
					Expect(ok).To(BeTrue(), "%s: %s", id, lsid)
					Expect(e.Kind).To(Equal(txn.KindDeadEnd))
				}
			}
			tc.expectPlaced(numDocs)
		})

		It("distributes evenly without a preset", func() {
			Expect(<-tc.start(newKey, nil)).To(Succeed())
			cm, err := tc.cat.Get(testNS)
			Expect(err).NotTo(HaveOccurred())
			Expect(cm.Key.Equal(newKey)).To(BeTrue())
			Expect(len(cm.Chunks.Shards())).To(BeNumerically(">", 1))
			tc.expectPlaced(numDocs)
		})

		It("distributes hashed keys over the whole hash space", func() {
			hashed := meta.KeyPattern{{Key: "y", Value: meta.Hashed}}
			Expect(<-tc.start(hashed, nil)).To(Succeed())
			cm, err := tc.cat.Get(testNS)
			Expect(err).NotTo(HaveOccurred())
			Expect(cm.Chunks).To(HaveLen(len(tc.nodes) * cmn.GCO.Get().Reshard.ChunksPerRecipient))
			tc.expectPlaced(numDocs)
		})

		It("is a no-op when the key does not change", func() {
			Expect(<-tc.start(oldKey, nil)).To(Succeed())
			_, err := tc.store.Get(testNS)
			Expect(err).To(HaveOccurred())
			o, err := tc.store.LastOutcome(testNS)
			Expect(err).NotTo(HaveOccurred())
			Expect(o).To(BeNil())
		})

		It("joins the running operation and rejects a different key", func() {
			b := tc.hooks.Barrier(reshard.PauseAfter(reshard.StateCloning)).Enable()
			first := tc.start(newKey, presetCD())
			tc.waitBarrier(reshard.PauseAfter(reshard.StateCloning))

			second := tc.start(newKey, presetCD())
			err := tc.coord.StartReshardCollection(context.Background(), testNS,
				meta.KeyPattern{{Key: "z", Value: 1}}, nil)
			Expect(cmn.IsErrConflictingOperation(err)).To(BeTrue(), "%v", err)
			Consistently(second, 50*time.Millisecond).ShouldNot(Receive())

			b.Off()
			Expect(<-first).To(Succeed())
			Expect(<-second).To(Succeed())
			tc.expectPlaced(numDocs)
		})

		It("rejects invalid options", func() {
			bad := &reshard.Options{Chunks: meta.ChunkMap{
				{Min: newKey.MinKey(), Max: meta.Key{2}, Shard: "C"},
				{Min: meta.Key{3}, Max: newKey.MaxKey(), Shard: "D"}, // gap
			}}
			err := <-tc.start(newKey, bad)
			Expect(cmn.IsErrInvalidOptions(err)).To(BeTrue(), "%v", err)

			err = <-tc.start(newKey, &reshard.Options{Chunks: meta.ChunkMap{
				{Min: newKey.MinKey(), Max: newKey.MaxKey(), Shard: "nope"},
			}})
			Expect(err).To(HaveOccurred())
			_, err = tc.store.Get(testNS)
			Expect(err).To(HaveOccurred())
		})

		It("retries transient participant failures", func() {
			var calls ratomic.Int64
			tc.local.SetFault(func(_ meta.ShardID, req *reshard.Request) error {
				switch req.Kind {
				case reshard.KindPrepareToDonate, reshard.KindQueryRecipientState, reshard.KindCommitParticipant:
					if calls.Add(1)%2 == 1 {
						return cmn.NewErrTransient(errors.New("injected"))
					}
				}
				return nil
			})
			Expect(<-tc.start(newKey, presetCD())).To(Succeed())
			tc.local.SetFault(nil)
			Expect(tc.reg.Refreshes()).To(BeNumerically(">", 0))
			tc.expectPlaced(numDocs)
		})
	})

	Describe("abort", func() {
		It("succeeds with nothing to abort", func() {
			Expect(tc.coord.Abort(context.Background(), testNS)).To(Succeed())
		})

		It("rolls back before the decision", func() {
			b := tc.hooks.Barrier(reshard.PauseAfter(reshard.StateBlockingWrites)).Enable()
			ch := tc.start(newKey, presetCD())
			tc.waitBarrier(reshard.PauseAfter(reshard.StateBlockingWrites))
			op, err := tc.coord.Status(testNS)
			Expect(err).NotTo(HaveOccurred())
			Expect(tc.nodes["A"].WritesBlocked(testNS)).To(BeTrue())

			Expect(tc.coord.Abort(context.Background(), testNS)).To(Succeed())
			b.Off()
			err = <-ch
			Expect(cmn.IsErrAborted(err)).To(BeTrue(), "%v", err)
			tc.expectRolledBack(op, numDocs)

			o, err := tc.store.LastOutcome(testNS)
			Expect(err).NotTo(HaveOccurred())
			Expect(o.Outcome).To(Equal(reshard.OutcomeCanceled))
			Expect(tc.tracker.Get(stats.ReshardAborts)).To(BeEquivalentTo(1))

			// aborting again is a no-op
			Expect(tc.coord.Abort(context.Background(), testNS)).To(Succeed())
			// and a new operation may start
			Expect(<-tc.start(newKey, presetCD())).To(Succeed())
			tc.expectPlaced(numDocs)
		})

		It("is rejected once the decision is persisted", func() {
			b := tc.hooks.Barrier(reshard.PauseAfter(reshard.StateDecisionPersisted)).Enable()
			ch := tc.start(newKey, presetCD())
			tc.waitBarrier(reshard.PauseAfter(reshard.StateDecisionPersisted))

			err := tc.coord.Abort(context.Background(), testNS)
			Expect(cmn.IsErrReshardCommitted(err)).To(BeTrue(), "%v", err)
			b.Off()
			Expect(<-ch).To(Succeed())

			err = tc.coord.Abort(context.Background(), testNS)
			Expect(cmn.IsErrNoSuchReshard(err)).To(BeTrue(), "%v", err)
			tc.expectPlaced(numDocs)
		})

		It("settles on exactly one outcome when abort races the decision", func() {
			bw := tc.hooks.Barrier(reshard.PauseAfter(reshard.StateBlockingWrites)).Enable()
			ch := tc.start(newKey, presetCD())
			tc.waitBarrier(reshard.PauseAfter(reshard.StateBlockingWrites))
			op, err := tc.coord.Status(testNS)
			Expect(err).NotTo(HaveOccurred())

			// recipients reach strict consistency before the first commit poll
			bq := tc.hooks.Barrier(reshard.HangBeforeQueryingRecipients).Enable()
			bw.Off()
			tc.waitBarrier(reshard.HangBeforeQueryingRecipients)
			strict := func() bool {
				for _, id := range op.RecipientIDs() {
					rep, err := tc.local.Call(context.Background(), id, &reshard.Request{
						Kind: reshard.KindQueryRecipientState, OpID: op.ID, NS: testNS})
					if err != nil || rep.Recipient == nil || rep.Recipient.State != reshard.RecipientStrict {
						return false
					}
				}
				return true
			}
			Eventually(strict, waitLong, 5*time.Millisecond).Should(BeTrue())

			var (
				errAbort error
				wg       sync.WaitGroup
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				errAbort = tc.coord.Abort(context.Background(), testNS)
			}()
			go func() {
				defer wg.Done()
				bq.Off()
			}()
			wg.Wait()
			errRun := <-ch

			o, err := tc.store.LastOutcome(testNS)
			Expect(err).NotTo(HaveOccurred())
			if errAbort == nil {
				Expect(cmn.IsErrAborted(errRun)).To(BeTrue(), "%v", errRun)
				Expect(o.Outcome).To(Equal(reshard.OutcomeCanceled))
				tc.expectRolledBack(op, numDocs)
				Expect(tc.tracker.Get(stats.ReshardCommits)).To(BeEquivalentTo(0))
				return
			}
			Expect(cmn.IsErrReshardCommitted(errAbort) || cmn.IsErrNoSuchReshard(errAbort)).To(BeTrue(), "%v", errAbort)
			Expect(errRun).NotTo(HaveOccurred())
			Expect(o.Outcome).To(Equal(reshard.OutcomeCommitted))
			cm, err := tc.cat.Get(testNS)
			Expect(err).NotTo(HaveOccurred())
			Expect(cm.Key.Equal(newKey)).To(BeTrue())
			tc.expectPlaced(numDocs)
			Expect(tc.tracker.Get(stats.ReshardAborts)).To(BeEquivalentTo(0))
		})

		It("unsticks a recipient that never reaches strict consistency", func() {
			b := tc.hooks.Barrier(reshard.HangBeforeStrictConsistency).Enable()
			ch := tc.start(newKey, presetCD())
			tc.waitBarrier(reshard.HangBeforeStrictConsistency)

			state := func() reshard.State {
				op, err := tc.coord.Status(testNS)
				Expect(err).NotTo(HaveOccurred())
				return op.State
			}
			Eventually(state, waitLong, 5*time.Millisecond).Should(Equal(reshard.StateCheckingCommit))
			Consistently(state, 100*time.Millisecond, 10*time.Millisecond).Should(Equal(reshard.StateCheckingCommit))
			op, err := tc.coord.Status(testNS)
			Expect(err).NotTo(HaveOccurred())

			// writes stay blocked for the duration of the critical section
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			err = tc.router.Insert(ctx, &txn.InsertRequest{NS: testNS,
				Doc: bson.D{{Key: "_id", Value: 200}, {Key: "x", Value: 200}, {Key: "y", Value: 1}}})
			cancel()
			Expect(err).To(HaveOccurred())

			Expect(tc.coord.Abort(context.Background(), testNS)).To(Succeed())
			Expect(cmn.IsErrAborted(<-ch)).To(BeTrue())
			b.Off()
			tc.expectRolledBack(op, numDocs)
			tc.insert(200, 200, 1)
		})

		It("aborts when a recipient fails to apply", func() {
			b := tc.hooks.Barrier(reshard.FailApplyingOplog).Fail(errors.New("injected apply failure"))
			defer b.Off()
			op := &reshard.Operation{}
			tc.hooks.OnTransition = func(o *reshard.Operation, _, _ reshard.State) {
				if o.State == reshard.StateApplying {
					*op = *o
				}
			}
			err := <-tc.start(newKey, presetCD())
			Expect(cmn.IsErrAborted(err)).To(BeTrue(), "%v", err)
			o, errO := tc.store.LastOutcome(testNS)
			Expect(errO).NotTo(HaveOccurred())
			Expect(o.Outcome).To(Equal(reshard.OutcomeCanceled))
			Expect(o.Reason).To(ContainSubstring("injected apply failure"))
			tc.expectRolledBack(op, numDocs)
		})
	})

	Describe("recovery", func() {
		for _, state := range allStates[:len(allStates)-1] {
			It("resumes after a coordinator failover in "+string(state), func() {
				name := reshard.PauseAfter(state)
				b := tc.hooks.Barrier(name).Enable()
				ch := tc.start(newKey, presetCD())
				tc.waitBarrier(name)

				tc.restartCoordinator()
				err := <-ch
				Expect(cmn.IsErrNotPrimary(err)).To(BeTrue(), "%v", err)
				b.Off()

				ctx, cancel := context.WithTimeout(context.Background(), waitLong)
				defer cancel()
				Expect(tc.coord.Wait(ctx, testNS)).To(Succeed())
				tc.expectPlaced(numDocs)
				cm, err := tc.cat.Get(testNS)
				Expect(err).NotTo(HaveOccurred())
				Expect(cm.Key.Equal(newKey)).To(BeTrue())
			})
		}

		It("aborts an operation left behind by a failed-over coordinator", func() {
			b := tc.hooks.Barrier(reshard.PauseAfter(reshard.StateApplying)).Enable()
			ch := tc.start(newKey, presetCD())
			tc.waitBarrier(reshard.PauseAfter(reshard.StateApplying))
			op, err := tc.coord.Status(testNS)
			Expect(err).NotTo(HaveOccurred())

			tc.coord.Stop()
			Expect(cmn.IsErrNotPrimary(<-ch)).To(BeTrue())
			b.Off()
			tc.coord = reshard.NewCoordinator(&reshard.Args{Catalog: tc.cat, Registry: tc.reg,
				Participants: tc.local, Store: tc.store, Stats: tc.tracker, Hooks: tc.hooks})

			// not recovered yet: the abort drives the cleanup itself
			Expect(tc.coord.Abort(context.Background(), testNS)).To(Succeed())
			tc.expectRolledBack(op, numDocs)
		})

		It("rejects requests to a stopped participant", func() {
			svc := tc.svcs["C"]
			tc.restartShard("C")
			_, err := svc.Handle(context.Background(), &reshard.Request{Kind: reshard.KindFetchTxns,
				OpID: "op", NS: testNS, FetchTxns: &reshard.FetchTxnsParams{}})
			Expect(cmn.IsErrNotPrimary(err)).To(BeTrue(), "%v", err)
			Expect(<-tc.start(newKey, presetCD())).To(Succeed())
			tc.expectPlaced(numDocs)
		})

		It("resumes participants after shard failovers", func() {
			b := tc.hooks.Barrier(reshard.PauseAfter(reshard.StateApplying)).Enable()
			ch := tc.start(newKey, presetCD())
			tc.waitBarrier(reshard.PauseAfter(reshard.StateApplying))
			for _, id := range []meta.ShardID{"A", "C", "D"} {
				tc.restartShard(id)
			}
			tc.insert(300, 300, 3)
			b.Off()
			Expect(<-ch).To(Succeed())
			tc.expectPlaced(numDocs + 1)
		})
	})
})
